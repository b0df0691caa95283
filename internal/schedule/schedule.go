// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package schedule owns the named retrieval schedules. The manager assigns
// every subscription to exactly one schedule by keyword match against its
// feed URL, runs one independent timer per schedule and relays article and
// completion events upward.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedwarden/feedwarden/internal/cycle"
	"github.com/feedwarden/feedwarden/internal/dedup"
	"github.com/feedwarden/feedwarden/internal/deliver"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/health"
	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/store"
	"github.com/feedwarden/feedwarden/internal/syncx"

	"github.com/robfig/cron/v3"
)

// DefaultName is the name of the schedule accepting every subscription no
// other schedule claims.
const DefaultName = "default"

// DefaultInterval is the refresh interval of schedules that do not set one.
const DefaultInterval = 10 * time.Minute

// Errors returned when validating schedule definitions.
var (
	ErrNoKeywords      = errors.New("custom schedule has no keywords")
	ErrUnknownSchedule = errors.New("unknown schedule")
)

// Definition describes one named schedule.
type Definition struct {
	Name     string
	Interval time.Duration
	// Keywords claim subscriptions whose feed URL contains any of them.
	// The default schedule has none and takes everything unclaimed.
	Keywords []string
	// Defaults optionally override the global classification defaults for
	// this schedule's subscriptions.
	Defaults *feed.ScheduleDefaults
}

// Options configures a Manager.
type Options struct {
	// Definitions are the configured schedules. A default schedule is added
	// when absent.
	Definitions []Definition
	// ReservedKeywords are keywords belonging to schedules that may not be
	// configured on this instance yet. A subscription matching one stays
	// unassigned instead of falling through to the default schedule.
	ReservedKeywords []string
	// Subscriptions returns the current subscription state. It is consulted
	// anew every cycle.
	Subscriptions func() []*feed.Subscription
	// Channel builds the worker channel for one schedule, letting the
	// caller pick the dispatch strategy. Nil means in-process dispatch.
	Channel func(def Definition, p *cycle.Processor) cycle.WorkerChannel

	Store     store.Store
	Fetcher   cycle.Fetcher
	Tracker   health.Tracker
	Deliverer deliver.Deliverer

	// Defaults are the global classification defaults.
	Defaults feed.Defaults
	// AllowGuilds is the allow-list of guilds that may use per-request
	// options.
	AllowGuilds map[string]bool

	Strategy   cycle.Strategy
	BatchSize  int
	PoolSize   int
	BatchPause time.Duration

	// Gate, when set, is consulted before a timer-triggered cycle runs.
	// The shard coordinator uses it to serialize cycles across shards.
	Gate func(schedule string) bool
	// OnComplete fires after every finished cycle.
	OnComplete func(schedule string, snap cycle.Snapshot)
	// DryRun logs deliveries instead of performing them and skips
	// persistence writes.
	DryRun bool
}

// Manager owns all schedules of one shard.
type Manager struct {
	opts  Options
	defs  map[string]Definition
	orchs map[string]*cycle.Orchestrator

	// assignments is the sticky subscription-to-schedule binding. Once a
	// subscription is bound, the binding never changes automatically.
	assignments *syncx.Protected[map[string]string]

	cron        *cron.Cron
	paused      atomic.Bool
	stopped     atomic.Bool
	ctx         context.Context
	deliveries  chan cycle.Article
	pending     atomic.Int64
	deliverOnce sync.Once
}

// NewManager validates the definitions and builds one cycle orchestrator
// per schedule.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		opts:        opts,
		defs:        make(map[string]Definition),
		orchs:       make(map[string]*cycle.Orchestrator),
		assignments: syncx.Protect(make(map[string]string)),
		ctx:         context.Background(),
		deliveries:  make(chan cycle.Article, 256),
	}

	for _, def := range opts.Definitions {
		if def.Name != DefaultName && len(def.Keywords) == 0 {
			return nil, fmt.Errorf("schedule %q: %w", def.Name, ErrNoKeywords)
		}
		if def.Interval <= 0 {
			def.Interval = DefaultInterval
		}
		m.defs[def.Name] = def
	}
	if _, ok := m.defs[DefaultName]; !ok {
		m.defs[DefaultName] = Definition{Name: DefaultName, Interval: DefaultInterval}
	}

	for name, def := range m.defs {
		p := &cycle.Processor{
			Fetcher:          opts.Fetcher,
			Store:            opts.Store,
			Defaults:         opts.Defaults,
			ScheduleDefaults: def.Defaults,
			DryRun:           opts.DryRun,
		}

		var ch cycle.WorkerChannel
		if opts.Channel != nil {
			ch = opts.Channel(def, p)
		}
		if ch == nil {
			ch = &cycle.InProcess{Processor: p}
		}

		cfg := cycle.Config{
			Name:        name,
			BatchSize:   opts.BatchSize,
			Strategy:    opts.Strategy,
			PoolSize:    opts.PoolSize,
			BatchPause:  opts.BatchPause,
			AllowGuilds: opts.AllowGuilds,
		}
		m.orchs[name] = cycle.New(cfg, m.subsFor(name), opts.Tracker, ch,
			m.deliverArticle,
			func(snap cycle.Snapshot) {
				if opts.OnComplete != nil {
					opts.OnComplete(name, snap)
				}
			},
		)
	}
	return m, nil
}

// Start launches one timer per schedule. Timers keep firing until StopAll;
// ctx carries the logger and cancels in-flight cycles.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	m.deliverOnce.Do(func() { go m.deliveryLoop(ctx) })
	m.cron = cron.New()
	for name, def := range m.defs {
		m.cron.Schedule(cron.Every(def.Interval), cron.FuncJob(func() {
			if m.paused.Load() || m.stopped.Load() {
				return
			}
			if m.opts.Gate != nil && !m.opts.Gate(name) {
				return
			}
			if err := m.RunSchedule(m.ctx, name); err != nil {
				logger.Get(m.ctx).Error("running schedule", "schedule", name, "error", err)
			}
		}))
	}
	m.cron.Start()
}

// RunSchedule runs one cycle of the named schedule immediately.
func (m *Manager) RunSchedule(ctx context.Context, name string) error {
	o, ok := m.orchs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	m.deliverOnce.Do(func() { go m.deliveryLoop(m.ctx) })
	return o.Run(ctx)
}

// StopAll stops all timers. In-flight cycles finish on their own.
func (m *Manager) StopAll() {
	m.stopped.Store(true)
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Pause suspends timer-triggered cycles without stopping the timers.
// Destructive maintenance operations pause first and wait for
// [Manager.AnyCycleInProgress] to report false.
func (m *Manager) Pause() { m.paused.Store(true) }

// Resume lifts a pause.
func (m *Manager) Resume() { m.paused.Store(false) }

// AnyCycleInProgress reports whether any schedule has a cycle running.
func (m *Manager) AnyCycleInProgress() bool {
	for _, o := range m.orchs {
		if o.Running() {
			return true
		}
	}
	return false
}

// Schedules returns the configured schedule names.
func (m *Manager) Schedules() []string {
	names := make([]string, 0, len(m.defs))
	for name := range m.defs {
		names = append(names, name)
	}
	return names
}

// Interval returns the refresh interval of the named schedule.
func (m *Manager) Interval(name string) (time.Duration, bool) {
	def, ok := m.defs[name]
	return def.Interval, ok
}

// Stats returns a statistics snapshot per schedule.
func (m *Manager) Stats() map[string]cycle.Snapshot {
	stats := make(map[string]cycle.Snapshot, len(m.orchs))
	for name, o := range m.orchs {
		stats[name] = o.Stats().Snapshot()
	}
	return stats
}

// subsFor returns a func yielding the named schedule's current
// subscriptions, assigning unbound subscriptions along the way.
func (m *Manager) subsFor(name string) func() []*feed.Subscription {
	return func() []*feed.Subscription {
		all := m.opts.Subscriptions()
		var out []*feed.Subscription
		m.assignments.WriteAccess(func(a map[string]string) {
			for _, sub := range all {
				bound, ok := a[sub.ID]
				if !ok {
					target, assigned := m.match(sub)
					if !assigned {
						continue
					}
					a[sub.ID] = target
					bound = target
				}
				if bound == name {
					out = append(out, sub)
				}
			}
		})
		return out
	}
}

// match decides the schedule for a newly seen subscription. A subscription
// whose URL contains a keyword reserved by a schedule that is not configured
// here stays unassigned until a future cycle, when that schedule may exist.
// A malformed subscription is rejected and also left unassigned.
func (m *Manager) match(sub *feed.Subscription) (name string, assigned bool) {
	if err := dedup.ValidateComparisonFields(sub.Overrides.ComparisonFields); err != nil {
		logger.Get(m.ctx).Warn("rejecting subscription", "subscription", sub.ID, "error", err)
		return "", false
	}

	for _, def := range m.defs {
		if def.Name == DefaultName {
			continue
		}
		for _, kw := range def.Keywords {
			if strings.Contains(sub.URL, kw) {
				return def.Name, true
			}
		}
	}
	for _, kw := range m.opts.ReservedKeywords {
		if strings.Contains(sub.URL, kw) {
			return "", false
		}
	}
	return DefaultName, true
}

// Assignment returns the schedule a subscription is currently bound to.
func (m *Manager) Assignment(subID string) (string, bool) {
	var name string
	var ok bool
	m.assignments.ReadAccess(func(a map[string]string) { name, ok = a[subID] })
	return name, ok
}

// Resolve returns the schedule sub is bound to, or the one it would be
// assigned to on its next cycle. It never binds; ok is false for
// subscriptions that stay unassigned.
func (m *Manager) Resolve(sub *feed.Subscription) (string, bool) {
	if name, ok := m.Assignment(sub.ID); ok {
		return name, ok
	}
	return m.match(sub)
}

// deliverArticle queues one article for delivery without blocking the
// cycle. Articles are queued in the order they were raised, so delivery
// keeps a link's items chronological.
func (m *Manager) deliverArticle(a cycle.Article) {
	log := logger.Get(m.ctx)
	if m.opts.DryRun {
		log.Info("would deliver", "subscriber", a.Subscriber, "title", a.Item.Title, "link", a.Item.Link)
		return
	}
	m.pending.Add(1)
	select {
	case m.deliveries <- a:
	default:
		m.pending.Add(-1)
		log.Warn("delivery queue full, dropping item", "subscriber", a.Subscriber, "link", a.Item.Link)
	}
}

// DrainDeliveries blocks until every queued article has been delivered or
// ctx is done. One-shot runs call it before exiting so queued items are
// not lost.
func (m *Manager) DrainDeliveries(ctx context.Context) {
	for m.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// deliveryLoop drains the delivery queue. A delivery failure is reported to
// the destination as a best-effort notice and never stops the loop.
func (m *Manager) deliveryLoop(ctx context.Context) {
	log := logger.Get(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.deliveries:
			if err := m.opts.Deliverer.Deliver(ctx, a.Item, a.Destination); err != nil {
				log.Warn("delivering item", "subscriber", a.Subscriber, "link", a.Item.Link, "error", err)
				notice := fmt.Sprintf("Failed to deliver %q: %v", a.Item.Link, err)
				if err := m.opts.Deliverer.Notify(ctx, a.Destination, notice); err != nil {
					log.Warn("sending delivery failure notice", "subscriber", a.Subscriber, "error", err)
				}
			}
			m.pending.Add(-1)
		}
	}
}
