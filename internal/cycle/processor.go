// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cycle

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/feedwarden/feedwarden/internal/batch"
	"github.com/feedwarden/feedwarden/internal/dedup"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/fetch"
	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/store"
	"github.com/feedwarden/feedwarden/internal/syncx"
)

// Fetcher retrieves and parses one feed URL — [fetch.Client] in production,
// a stub in tests.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts *feed.RequestOptions) ([]*feed.Item, error)
}

// Processor turns one link group into a LinkResult: fetch, annotate and
// order the items, classify them per subscriber against the stored
// comparison record, and persist what classification decided to keep.
type Processor struct {
	Fetcher Fetcher
	Store   store.Store
	// Defaults are the global classification defaults.
	Defaults feed.Defaults
	// ScheduleDefaults optionally layer between subscription overrides and
	// the global defaults. May be nil.
	ScheduleDefaults *feed.ScheduleDefaults
	// DryRun skips persistence writes; classification still runs against
	// the current record.
	DryRun bool
	// Now is the clock used for age checks; defaults to [time.Now].
	Now func() time.Time

	// pruned remembers, per link group, the comparison fields that yielded
	// no value on a previous fetch and are excluded from later checks. The
	// memory is per-process: a fresh subprocess worker starts unpruned and
	// relearns within its batch, which costs a wasted store lookup per
	// dead field, never a wrong classification.
	pruned syncx.Map[string, []string]
}

// Process runs the full pipeline for one link group. It never returns an
// error: every failure mode is folded into the result so a bad link cannot
// take its batch down.
func (p *Processor) Process(ctx context.Context, g *batch.LinkGroup) LinkResult {
	res := LinkResult{URL: g.URL, Key: g.Key(), Outcome: OutcomeSuccess}

	items, err := p.Fetcher.Fetch(ctx, g.URL, g.Request)
	if err != nil {
		if errors.Is(err, fetch.ErrNotModified) {
			// Not modified is a successful fetch with nothing new.
			return res
		}
		res.Outcome = OutcomeFailed
		res.Err = err.Error()
		return res
	}

	items = feed.Annotate(items)
	feed.SortOldestFirst(items)

	rec, err := p.Store.Find(ctx, res.Key)
	if err != nil {
		// A persistence error aborts classification for this group only.
		res.Outcome = OutcomeFailed
		res.StoreFailed = true
		res.Err = err.Error()
		return res
	}

	subs := p.subscribers(g)
	now := p.Now
	if now == nil {
		now = time.Now
	}
	out := dedup.Classify(items, rec, subs, now())

	if !p.DryRun {
		if err := p.persist(ctx, res.Key, out); err != nil {
			res.Outcome = OutcomeFailed
			res.StoreFailed = true
			res.Err = err.Error()
			return res
		}
	}

	if len(out.PrunedFields) > 0 {
		p.rememberPruned(res.Key, out.PrunedFields)
		logger.Get(ctx).Debug("pruned comparison fields with no values",
			"link", g.URL, "fields", out.PrunedFields)
	}

	for _, d := range out.Decisions {
		if !d.Deliver {
			continue
		}
		res.Articles = append(res.Articles, Article{
			Subscriber:  d.Subscriber,
			Destination: d.Destination,
			Item:        d.Item,
		})
	}
	return res
}

func (p *Processor) persist(ctx context.Context, key string, out *dedup.Result) error {
	if len(out.Inserts) > 0 {
		if err := p.Store.BulkUpsert(ctx, key, out.Inserts); err != nil {
			return err
		}
	}
	for _, u := range out.FieldUpdates {
		if err := p.Store.UpdateFields(ctx, key, u.Identity, u.Fields); err != nil {
			return err
		}
	}
	return nil
}

// subscribers resolves options for every subscription of the group,
// dropping comparison fields pruned on earlier fetches of this group.
func (p *Processor) subscribers(g *batch.LinkGroup) []dedup.Subscriber {
	pruned, _ := p.pruned.Load(g.Key())

	subs := make([]dedup.Subscriber, 0, len(g.Subscriptions))
	for _, sub := range g.Subscriptions {
		opts := feed.Resolve(sub, p.ScheduleDefaults, p.Defaults)
		if len(pruned) > 0 && len(opts.ComparisonFields) > 0 {
			opts.ComparisonFields = slices.DeleteFunc(
				slices.Clone(opts.ComparisonFields),
				func(f string) bool { return slices.Contains(pruned, f) },
			)
		}
		subs = append(subs, dedup.Subscriber{
			ID:          sub.ID,
			Destination: sub.Destination,
			Options:     opts,
		})
	}
	return subs
}

func (p *Processor) rememberPruned(key string, fields []string) {
	prev, _ := p.pruned.Load(key)
	merged := slices.Clone(prev)
	for _, f := range fields {
		if !slices.Contains(merged, f) {
			merged = append(merged, f)
		}
	}
	slices.Sort(merged)
	p.pruned.Store(key, merged)
}
