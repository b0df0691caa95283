// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package engine assembles the retrieval engine: store, failure tracker,
// fetcher, schedules and shard coordination, constructed explicitly and
// passed by ownership instead of living in process-wide registries.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/feedwarden/feedwarden/internal/batch"
	"github.com/feedwarden/feedwarden/internal/config"
	"github.com/feedwarden/feedwarden/internal/cycle"
	"github.com/feedwarden/feedwarden/internal/deliver"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/fetch"
	"github.com/feedwarden/feedwarden/internal/health"
	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/schedule"
	"github.com/feedwarden/feedwarden/internal/shard"
	"github.com/feedwarden/feedwarden/internal/store"
	"github.com/feedwarden/feedwarden/internal/syncx"
)

// Options configures an Engine.
type Options struct {
	Config *config.Config

	// StoreDSN selects the comparison store backend: "mem",
	// "file:state.json", "sqlite:engine.db" or a postgres:// URL.
	StoreDSN string
	// RedisURL, when set, backs the failure tracker and the coordination
	// bus so state is shared across shards.
	RedisURL string

	// Shard is this process's shard index; Shards the fleet size. A fleet
	// of one runs without coordination.
	Shard  int
	Shards int
	// Coordinator runs the fleet coordinator inside this process.
	Coordinator bool

	Strategy     cycle.Strategy
	BatchSize    int
	PoolSize     int
	FailLimit    int
	FetchTimeout time.Duration

	// WorkerBin and WorkerArgs launch batch worker subprocesses under the
	// Isolated and Pool strategies.
	WorkerBin  string
	WorkerArgs []string

	// HTTPClient overrides the default client in fetching and delivery.
	HTTPClient *http.Client
	DryRun     bool
}

// Engine is one shard's fully wired retrieval engine.
type Engine struct {
	opts Options

	subs    *syncx.Protected[*subsBox]
	store   store.Store
	tracker health.Tracker
	fetcher *fetch.Client
	manager *schedule.Manager

	bus   shard.Bus
	agent *shard.Agent
	coord *shard.Coordinator
}

// New builds an Engine. Failure to reach the persistence layer here is
// fatal; transient errors later are not.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("engine: no configuration")
	}
	if opts.Shards <= 0 {
		opts.Shards = 1
	}

	// Batch worker subprocesses classify against their own store handle, so
	// the backend must be shared across processes. A private one would make
	// every batch look like an empty-store bootstrap, silently disabling
	// deduplication.
	if opts.WorkerBin != "" {
		if dsn := opts.StoreDSN; dsn == "" || dsn == "mem" || strings.HasPrefix(dsn, "file:") {
			return nil, fmt.Errorf("engine: worker subprocesses need a shared store, not %q", cmp.Or(opts.StoreDSN, "mem"))
		}
	}

	e := &Engine{
		opts: opts,
		subs: syncx.Protect(&subsBox{list: opts.Config.Subscriptions}),
	}

	var err error
	if e.store, err = OpenStore(ctx, opts.StoreDSN); err != nil {
		return nil, fmt.Errorf("engine: opening store: %w", err)
	}

	if opts.RedisURL != "" {
		if e.tracker, err = health.NewRedisTracker(opts.RedisURL, opts.FailLimit); err != nil {
			return nil, err
		}
	} else {
		e.tracker = health.NewMemTracker(opts.FailLimit)
	}

	e.fetcher = fetch.NewClient(opts.HTTPClient, opts.FetchTimeout)

	if opts.Shards > 1 {
		if opts.RedisURL == "" {
			return nil, errors.New("engine: multi-shard deployment needs a redis URL")
		}
		if e.bus, err = shard.NewRedisBus(opts.RedisURL); err != nil {
			return nil, err
		}
	} else {
		e.bus = shard.NewLoopback()
	}

	coordinated := opts.Shards > 1 || opts.Coordinator
	if coordinated {
		e.agent = shard.NewAgent(shard.AgentConfig{
			Shard: opts.Shard,
			Init:  e.initPass,
		}, e.bus)
	}

	mgrOpts := schedule.Options{
		Definitions:      opts.Config.Schedules,
		ReservedKeywords: opts.Config.ReservedKeywords,
		Subscriptions:    e.Subscriptions,
		Channel:          e.workerChannel,
		Store:            e.store,
		Fetcher:          e.fetcher,
		Tracker:          e.tracker,
		Deliverer:        deliver.NewWebhook(opts.HTTPClient, nil),
		Defaults:         opts.Config.Defaults,
		AllowGuilds:      opts.Config.AllowGuilds,
		Strategy:         opts.Strategy,
		BatchSize:        opts.BatchSize,
		PoolSize:         opts.PoolSize,
		DryRun:           opts.DryRun,
	}
	if coordinated {
		mgrOpts.Gate = e.agent.Gate
		mgrOpts.OnComplete = func(name string, _ cycle.Snapshot) {
			e.agent.CycleComplete(context.Background(), name)
		}
	}
	if e.manager, err = schedule.NewManager(mgrOpts); err != nil {
		return nil, err
	}
	if coordinated {
		e.agent.Bind(e.manager)
	}

	if opts.Coordinator {
		e.coord = shard.NewCoordinator(shard.CoordinatorConfig{
			Shards:    opts.Shards,
			Intervals: e.intervals(),
		}, e.bus, e.store)
	}

	return e, nil
}

// Run starts the schedule timers and, when coordinated, the shard agent
// and coordinator. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	log := logger.Get(ctx)
	log.Info("engine starting",
		"shard", e.opts.Shard,
		"shards", e.opts.Shards,
		"strategy", e.opts.Strategy,
		"subscriptions", len(e.Subscriptions()),
	)

	if e.agent == nil {
		e.manager.Start(ctx)
		<-ctx.Done()
		return ctx.Err()
	}

	// Under coordination the manager starts paused; the agent resumes it
	// once the coordinator announces initialization complete.
	e.manager.Pause()
	e.manager.Start(ctx)

	if e.coord != nil {
		go func() {
			if err := e.coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("coordinator stopped", "error", err)
			}
		}()
	}
	return e.agent.Run(ctx)
}

// RunOnce runs a single cycle of every schedule and returns. Used by the
// one-shot command mode.
func (e *Engine) RunOnce(ctx context.Context) error {
	var errs []error
	for _, name := range e.manager.Schedules() {
		if err := e.manager.RunSchedule(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", name, err))
		}
	}
	e.manager.DrainDeliveries(ctx)
	return errors.Join(errs...)
}

// RunSchedule runs one cycle of the named schedule immediately.
func (e *Engine) RunSchedule(ctx context.Context, name string) error {
	return e.manager.RunSchedule(ctx, name)
}

type subsBox struct{ list []*feed.Subscription }

// Subscriptions returns the current subscription state.
func (e *Engine) Subscriptions() []*feed.Subscription {
	var subs []*feed.Subscription
	e.subs.ReadAccess(func(b *subsBox) { subs = b.list })
	return subs
}

// SetSubscriptions replaces the subscription state. Existing schedule
// assignments stay sticky.
func (e *Engine) SetSubscriptions(subs []*feed.Subscription) {
	e.subs.WriteAccess(func(b *subsBox) { b.list = subs })
}

// Manager exposes the schedule manager to the admin surface.
func (e *Engine) Manager() *schedule.Manager { return e.manager }

// Stats returns a cycle statistics snapshot per schedule.
func (e *Engine) Stats() map[string]cycle.Snapshot { return e.manager.Stats() }

// Assignment returns the schedule a subscription is bound to.
func (e *Engine) Assignment(subID string) (string, bool) {
	for _, sub := range e.Subscriptions() {
		if sub.ID == subID {
			return e.manager.Resolve(sub)
		}
	}
	return "", false
}

// AnyCycleInProgress reports whether any schedule has a cycle running.
func (e *Engine) AnyCycleInProgress() bool { return e.manager.AnyCycleInProgress() }

// Tracker exposes the failure tracker to the admin surface.
func (e *Engine) Tracker() health.Tracker { return e.tracker }

// Reenable clears a disabled link so it rejoins batch generation.
func (e *Engine) Reenable(ctx context.Context, link string) error {
	return e.tracker.Reenable(ctx, link)
}

// Restore runs a destructive store restore under fleet-wide pause. Only
// valid on the coordinating shard.
func (e *Engine) Restore(ctx context.Context, fn func(context.Context) error) error {
	if e.coord == nil {
		return errors.New("engine: not the coordinating shard")
	}
	return e.coord.Restore(ctx, fn)
}

// Close releases held resources.
func (e *Engine) Close() error {
	var errs []error
	e.manager.StopAll()
	if c, ok := e.tracker.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, e.bus.Close(), e.store.Close())
	return errors.Join(errs...)
}

// initPass is this shard's one-time initialization: report per-link
// subscriber counts and guilds with no subscriptions visible here.
func (e *Engine) initPass(ctx context.Context) (*shard.Report, error) {
	report := &shard.Report{LinkCounts: make(map[string]int)}

	subs := e.Subscriptions()
	gs := batch.Group(subs, e.opts.Config.AllowGuilds, nil)
	for _, g := range gs.Regular {
		report.LinkCounts[g.Key()] += len(g.Subscriptions)
	}
	for _, g := range gs.Singleton {
		report.LinkCounts[g.Key()] += len(g.Subscriptions)
	}

	// An allow-listed guild with no subscription visible on this shard is
	// a removal candidate; the coordinator drops it only when every shard
	// reports it missing.
	present := make(map[string]bool)
	for _, sub := range subs {
		present[sub.Guild] = true
	}
	for guild := range e.opts.Config.AllowGuilds {
		if !present[guild] {
			report.MissingGuilds = append(report.MissingGuilds, guild)
		}
	}
	slices.Sort(report.MissingGuilds)
	return report, nil
}

// intervals returns the distinct refresh intervals in use.
func (e *Engine) intervals() []time.Duration {
	seen := make(map[time.Duration]bool)
	var out []time.Duration
	for _, name := range e.manager.Schedules() {
		if interval, ok := e.manager.Interval(name); ok && !seen[interval] {
			seen[interval] = true
			out = append(out, interval)
		}
	}
	return out
}

// workerChannel picks the dispatch channel for one schedule based on the
// configured strategy.
func (e *Engine) workerChannel(def schedule.Definition, p *cycle.Processor) cycle.WorkerChannel {
	switch e.opts.Strategy {
	case cycle.Isolated, cycle.Pool:
		if e.opts.WorkerBin == "" {
			return nil
		}
		args := append([]string{}, e.opts.WorkerArgs...)
		args = append(args, "-schedule", def.Name)
		return &cycle.Subprocess{Bin: e.opts.WorkerBin, Args: args}
	}
	return nil
}

// OpenStore selects the store backend by DSN.
func OpenStore(ctx context.Context, dsn string) (store.Store, error) {
	switch {
	case dsn == "" || dsn == "mem":
		return store.NewMemStore(), nil
	case strings.HasPrefix(dsn, "file:"):
		return store.NewJSONFile(strings.TrimPrefix(dsn, "file:"))
	case strings.HasPrefix(dsn, "sqlite:"):
		return store.NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return store.NewPostgresStore(ctx, dsn)
	}
	return nil, fmt.Errorf("unsupported store DSN %q", dsn)
}
