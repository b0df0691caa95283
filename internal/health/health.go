// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package health tracks consecutive fetch failures per feed link. A link
// failing continuously for the configured limit is disabled and excluded
// from link group formation until it succeeds or is manually re-enabled.
package health

import (
	"context"

	"github.com/feedwarden/feedwarden/internal/syncx"
)

// DefaultFailLimit disables a link after this many consecutive failures.
const DefaultFailLimit = 12

// Tracker is the per-link failure accounting contract. Implementations must
// update each link atomically, so concurrent reports from multiple shards
// never lose updates.
type Tracker interface {
	// RecordFailure increments the link's consecutive failure count and
	// reports whether the link just reached the fail limit and was disabled.
	RecordFailure(ctx context.Context, link string) (disabled bool, err error)
	// RecordSuccess clears the link's failure record entirely.
	RecordSuccess(ctx context.Context, link string) error
	// IsDisabled reports whether the link is disabled.
	IsDisabled(ctx context.Context, link string) (bool, error)
	// Reenable clears a disabled link so it is retried again.
	Reenable(ctx context.Context, link string) error
}

// disabledSentinel marks a disabled link in the in-memory tracker,
// distinct from any failure count.
const disabledSentinel = -1

// MemTracker is an in-memory Tracker for single-process deployments.
type MemTracker struct {
	failLimit int
	links     *syncx.Protected[map[string]int]
}

// NewMemTracker returns a MemTracker with the given fail limit, or
// [DefaultFailLimit] if limit is not positive.
func NewMemTracker(limit int) *MemTracker {
	if limit <= 0 {
		limit = DefaultFailLimit
	}
	return &MemTracker{
		failLimit: limit,
		links:     syncx.Protect(make(map[string]int)),
	}
}

// RecordFailure increments the link's consecutive failure count.
func (t *MemTracker) RecordFailure(_ context.Context, link string) (disabled bool, err error) {
	t.links.WriteAccess(func(links map[string]int) {
		if links[link] == disabledSentinel {
			disabled = true
			return
		}
		links[link]++
		if links[link] >= t.failLimit {
			links[link] = disabledSentinel
			disabled = true
		}
	})
	return disabled, nil
}

// RecordSuccess clears the link's failure record entirely.
func (t *MemTracker) RecordSuccess(_ context.Context, link string) error {
	t.links.WriteAccess(func(links map[string]int) {
		delete(links, link)
	})
	return nil
}

// IsDisabled reports whether the link is disabled.
func (t *MemTracker) IsDisabled(_ context.Context, link string) (disabled bool, err error) {
	t.links.ReadAccess(func(links map[string]int) {
		disabled = links[link] == disabledSentinel
	})
	return disabled, nil
}

// Reenable clears a disabled link.
func (t *MemTracker) Reenable(ctx context.Context, link string) error {
	return t.RecordSuccess(ctx, link)
}
