// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package dedup classifies fetched feed items per subscriber: it decides
// what is genuinely new, what was already seen, and what must be persisted,
// based on the comparison record stored for the item's link group.
package dedup

import (
	"fmt"
	"slices"
	"time"

	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/store"
)

// ReservedFields are comparison field names that collide with the base
// classification mechanism and are rejected outright.
var ReservedFields = []string{"title", "guid", "pubdate"}

// ValidateComparisonFields rejects reserved custom comparison field names.
// It is called once at configuration load time.
func ValidateComparisonFields(names []string) error {
	for _, name := range names {
		if slices.Contains(ReservedFields, name) {
			return fmt.Errorf("comparison field %q is reserved", name)
		}
	}
	return nil
}

// Subscriber pairs a subscription with its fully resolved options.
type Subscriber struct {
	ID          string
	Destination feed.Destination
	Options     feed.Options
}

// Decision is the classification outcome for one item and one subscriber.
type Decision struct {
	Item        *feed.Item
	Subscriber  string
	Destination feed.Destination
	Deliver     bool
	Old         bool
}

// FieldUpdate is a targeted comparison-field update for an already stored
// entry, queued instead of a fresh insert.
type FieldUpdate struct {
	Identity string
	Fields   map[string]string
}

// Result is the outcome of classifying one link group's fetch.
type Result struct {
	// Decisions are ordered oldest to newest within the item list, so
	// delivery preserves chronological order.
	Decisions []Decision
	// Inserts are the fresh entries to write in one bulk operation.
	Inserts []store.Entry
	// FieldUpdates are targeted updates for entries that already exist.
	FieldUpdates []FieldUpdate
	// PrunedFields are declared comparison field names that appeared on no
	// item of this batch and must be removed from future checks.
	PrunedFields []string
}

// Classify runs the per-subscriber classification of a fetched item list
// against the link group's stored comparison record.
//
// items must already be annotated with identities and sorted oldest first.
// The precedence per subscriber is: seen-by-identity, seen-by-title,
// stale-by-date, empty-store bootstrap, deliver. First match wins; a custom
// comparison field with an unseen value can override a "seen" outcome back
// to deliver.
func Classify(items []*feed.Item, rec *store.Record, subs []Subscriber, now time.Time) *Result {
	res := new(Result)

	declared, pruned := partitionFields(items, subs)
	res.PrunedFields = pruned

	bootstrap := rec.Empty()

	// Targeted updates are deduplicated across subscribers: two subscribers
	// declaring the same field must not queue the same value twice.
	updates := make(map[string]map[string]string)

	for _, it := range items {
		seenByIdentity := rec.Identities[it.Identity]
		titleSeen := it.Title != "" && rec.Titles[it.Title]

		if !seenByIdentity {
			res.Inserts = append(res.Inserts, store.Entry{
				Identity: it.Identity,
				Title:    it.Title,
				Fields:   presentFieldValues(it, declared),
			})
			it.IsNew = true
		}

		for _, sub := range subs {
			d := Decision{Item: it, Subscriber: sub.ID, Destination: sub.Destination}

			var seen bool
			switch {
			case seenByIdentity:
				seen = true
			case sub.Options.CheckTitles && titleSeen:
				seen = true
			case sub.Options.CheckDates && stale(it, sub.Options.MaxAgeDays, now):
				d.Old = true
				it.IsOld = true
			case bootstrap:
				// First-ever fetch seeds the record silently, except a
				// single-item feed, which must not be swallowed on first run.
				d.Deliver = len(items) == 1
			default:
				d.Deliver = true
			}

			if seen {
				for _, field := range sub.Options.ComparisonFields {
					if !declared[field] {
						continue
					}
					value := fieldValue(it, field)
					if value == "" || rec.HasFieldValue(field, value) {
						continue
					}
					d.Deliver = true
					if seenByIdentity {
						if updates[it.Identity] == nil {
							updates[it.Identity] = make(map[string]string)
						}
						updates[it.Identity][field] = value
					}
				}
			}

			res.Decisions = append(res.Decisions, d)
		}
	}

	for identity, fields := range updates {
		res.FieldUpdates = append(res.FieldUpdates, FieldUpdate{Identity: identity, Fields: fields})
	}

	return res
}

func stale(it *feed.Item, maxAgeDays int, now time.Time) bool {
	pub := it.Published()
	if pub.IsZero() {
		return true
	}
	return pub.Before(now.AddDate(0, 0, -maxAgeDays))
}

// partitionFields collects the comparison fields declared by the
// subscribers, skipping reserved names, and splits them into fields present
// on at least one item of this batch and fields to prune.
func partitionFields(items []*feed.Item, subs []Subscriber) (present map[string]bool, pruned []string) {
	present = make(map[string]bool)
	for _, sub := range subs {
		for _, field := range sub.Options.ComparisonFields {
			if slices.Contains(ReservedFields, field) {
				continue
			}
			if _, checked := present[field]; checked {
				continue
			}
			present[field] = false
			for _, it := range items {
				if fieldValue(it, field) != "" {
					present[field] = true
					break
				}
			}
		}
	}
	for field, ok := range present {
		if !ok {
			pruned = append(pruned, field)
			delete(present, field)
		}
	}
	slices.Sort(pruned)
	return present, pruned
}

func presentFieldValues(it *feed.Item, declared map[string]bool) map[string]string {
	var fields map[string]string
	for field := range declared {
		if value := fieldValue(it, field); value != "" {
			if fields == nil {
				fields = make(map[string]string)
			}
			fields[field] = value
		}
	}
	return fields
}

// fieldValue extracts a scalar value of a named field from an item. Only
// plain string values qualify; missing and structured values yield "".
func fieldValue(it *feed.Item, name string) string {
	switch name {
	case "description":
		return it.Description
	case "link":
		return it.Link
	case "content":
		return it.Content
	case "author":
		if it.Author != nil {
			return it.Author.Name
		}
		return ""
	}
	return it.Custom[name]
}
