// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package cycle drives one schedule's retrieval cycle: it rebuilds link
// groups from current subscription state, batches them, dispatches the
// batches under a selectable concurrency strategy and tracks per-link
// outcomes.
package cycle

import (
	"context"
	"sync"
	"time"

	"github.com/feedwarden/feedwarden/internal/batch"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/health"
	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/syncx"
)

// Strategy selects how batches of one cycle are dispatched.
type Strategy int

// Dispatch strategies.
const (
	// Sequential processes one batch at a time in this process, pausing
	// between batches to avoid request bursts.
	Sequential Strategy = iota
	// Isolated spawns one worker subprocess per batch and terminates it
	// once its batch completes.
	Isolated
	// Pool keeps up to PoolSize workers busy, handing each the next
	// unassigned batch across both waves until all are exhausted.
	Pool
)

func (s Strategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Isolated:
		return "isolated"
	case Pool:
		return "pool"
	}
	return "unknown"
}

// Outcome is the completion outcome of one link group.
type Outcome string

// Link group outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Article is a deliver decision raised while a cycle runs. Articles are
// forwarded upward immediately, never batched.
type Article struct {
	Subscriber  string           `json:"subscriber"`
	Destination feed.Destination `json:"destination"`
	Item        *feed.Item       `json:"item"`
}

// LinkResult is the completion report of one link group.
type LinkResult struct {
	URL     string  `json:"url"`
	Key     string  `json:"key"`
	Outcome Outcome `json:"outcome"`
	// StoreFailed marks a persistence failure, which is link-scoped and
	// never counted toward the link's fetch fail limit.
	StoreFailed bool      `json:"store_failed,omitempty"`
	Err         string    `json:"err,omitempty"`
	Articles    []Article `json:"articles,omitempty"`
}

// Config holds the per-schedule cycle settings.
type Config struct {
	// Name is the owning schedule's name.
	Name string
	// BatchSize bounds the number of link groups fetched concurrently.
	BatchSize int
	// Strategy selects the dispatch strategy.
	Strategy Strategy
	// PoolSize bounds concurrent workers under the Pool strategy.
	PoolSize int
	// BatchPause is the pause between batches under the Sequential
	// strategy.
	BatchPause time.Duration
	// AllowGuilds is the allow-list of guilds whose subscriptions may use
	// per-request options.
	AllowGuilds map[string]bool
}

const (
	defaultBatchSize  = 10
	defaultPoolSize   = 2
	defaultBatchPause = 200 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.BatchPause <= 0 {
		c.BatchPause = defaultBatchPause
	}
	return c
}

type linkCounts struct{ total, failed int }

// Orchestrator runs retrieval cycles for one schedule.
//
// At most one cycle is supposed to be in progress at a time; a Run while
// one is outstanding triggers recovery: under Sequential the stale cycle is
// logged and a fresh one starts anyway, under worker strategies any
// outstanding workers are force-terminated first.
type Orchestrator struct {
	cfg     Config
	subs    func() []*feed.Subscription
	tracker health.Tracker
	channel WorkerChannel

	// onArticle receives deliver events as they are discovered.
	onArticle func(Article)
	// onComplete fires once per finished cycle.
	onComplete func(Snapshot)

	stats *Stats

	mu         sync.Mutex
	active     int
	cancelPrev context.CancelFunc
}

// New returns an Orchestrator for one schedule. subs returns the schedule's
// current subscriptions and is consulted anew every cycle, so membership
// changes are honored. onArticle and onComplete may be nil.
func New(cfg Config, subs func() []*feed.Subscription, tracker health.Tracker, channel WorkerChannel, onArticle func(Article), onComplete func(Snapshot)) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		subs:       subs,
		tracker:    tracker,
		channel:    channel,
		onArticle:  onArticle,
		onComplete: onComplete,
		stats:      NewStats(),
	}
}

// Stats returns the orchestrator's rolling cycle statistics.
func (o *Orchestrator) Stats() *Stats { return o.stats }

// Running reports whether a cycle is currently in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active > 0
}

// Run executes one full cycle: the regular wave, then the modified-options
// wave of link groups whose subscriptions carry per-request options.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := logger.Get(ctx)

	o.mu.Lock()
	if o.active > 0 {
		if o.cfg.Strategy == Sequential {
			log.Warn("cycle still in progress, starting fresh anyway", "schedule", o.cfg.Name)
		} else if o.cancelPrev != nil {
			log.Warn("cycle still in progress, terminating outstanding workers", "schedule", o.cfg.Name)
			o.cancelPrev()
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancelPrev = cancel
	o.active++
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	start := time.Now()

	gs := batch.Group(o.subs(), o.cfg.AllowGuilds, func(url string) bool {
		disabled, err := o.tracker.IsDisabled(runCtx, url)
		if err != nil {
			log.Warn("failure tracker unavailable, keeping link", "link", url, "error", err)
			return false
		}
		return disabled
	})

	if gs.Len() == 0 {
		log.Debug("no feeds to retrieve", "schedule", o.cfg.Name)
		snap := o.stats.complete(0, 0, time.Since(start))
		if o.onComplete != nil {
			o.onComplete(snap)
		}
		return nil
	}

	waves := [][]*batch.Batch{
		batch.Split(gs.Regular, o.cfg.BatchSize),
		batch.Split(gs.Singleton, o.cfg.BatchSize),
	}

	counts := syncx.Protect(&linkCounts{})

	handle := func(res LinkResult) {
		counts.WriteAccess(func(c *linkCounts) {
			c.total++
			if res.Outcome == OutcomeFailed {
				c.failed++
			}
		})

		switch {
		case res.Outcome == OutcomeSuccess:
			if err := o.tracker.RecordSuccess(runCtx, res.URL); err != nil {
				log.Warn("recording success", "link", res.URL, "error", err)
			}
		case res.StoreFailed:
			// Store errors are link-scoped and must not push the link
			// toward its fetch fail limit.
			log.Warn("persistence failed for link", "link", res.URL, "error", res.Err)
		default:
			disabled, err := o.tracker.RecordFailure(runCtx, res.URL)
			if err != nil {
				log.Warn("recording failure", "link", res.URL, "error", err)
			}
			log.Debug("fetch failed", "link", res.URL, "error", res.Err)
			if disabled {
				log.Warn("link disabled after repeated failures", "link", res.URL, "schedule", o.cfg.Name)
			}
		}

		for _, a := range res.Articles {
			if o.onArticle != nil {
				o.onArticle(a)
			}
		}
	}

	var err error
	switch o.cfg.Strategy {
	case Pool:
		err = o.runPooled(runCtx, waves, handle)
	default:
		err = o.runSequenced(runCtx, waves, handle)
	}
	if err != nil {
		return err
	}

	var total, failed int
	counts.ReadAccess(func(c *linkCounts) { total, failed = c.total, c.failed })

	snap := o.stats.complete(total, failed, time.Since(start))
	log.Info("cycle finished",
		"schedule", o.cfg.Name,
		"links", total,
		"failed", failed,
		"duration", snap.LastDuration,
	)

	if o.onComplete != nil {
		o.onComplete(snap)
	}
	return nil
}

// runSequenced processes one batch at a time: dispatch, drain, pause. Both
// the Sequential and the Isolated strategies sequence batches this way; they
// differ only in the worker channel executing the batch.
func (o *Orchestrator) runSequenced(ctx context.Context, waves [][]*batch.Batch, handle func(LinkResult)) error {
	first := true
	for _, wave := range waves {
		for _, b := range wave {
			if !first && o.cfg.Strategy == Sequential {
				select {
				case <-time.After(o.cfg.BatchPause):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			first = false

			results, err := o.channel.Dispatch(ctx, b)
			if err != nil {
				return err
			}
			for res := range results {
				handle(res)
			}
		}
	}
	return nil
}

// runPooled keeps up to PoolSize workers busy across both waves.
func (o *Orchestrator) runPooled(ctx context.Context, waves [][]*batch.Batch, handle func(LinkResult)) error {
	log := logger.Get(ctx)

	wg := syncx.NewLimitedWaitGroup(o.cfg.PoolSize)
	for _, wave := range waves {
		for _, b := range wave {
			wg.Go(func() {
				results, err := o.channel.Dispatch(ctx, b)
				if err != nil {
					log.Warn("dispatching batch", "schedule", o.cfg.Name, "error", err)
					for _, g := range b.Groups {
						handle(LinkResult{URL: g.URL, Key: g.Key(), Outcome: OutcomeFailed, Err: err.Error()})
					}
					return
				}
				for res := range results {
					handle(res)
				}
			})
		}
	}
	wg.Wait()
	return ctx.Err()
}
