// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package shard

import (
	"context"
	"sync"
	"time"

	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/syncx"
)

// readyAnnounceInterval is how often an agent re-announces readiness until
// the coordinator starts initialization. Pub/sub delivers nothing to late
// subscribers, so a one-shot announcement would be lost on a coordinator
// that comes up after the agent.
const readyAnnounceInterval = 500 * time.Millisecond

// Scheduler is the slice of the schedule manager the agent drives.
type Scheduler interface {
	Interval(name string) (time.Duration, bool)
	Pause()
	Resume()
	StopAll()
	AnyCycleInProgress() bool
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Shard is this shard's index.
	Shard int
	// Init runs the one-time initialization pass and reports per-link
	// subscriber counts plus guilds this shard cannot see.
	Init func(ctx context.Context) (*Report, error)
	// RefreshLimits refreshes the shared entitlement/limits cache. May be
	// nil.
	RefreshLimits func(ctx context.Context) error
	// OnTerminate fires when the coordinator orders a shutdown.
	OnTerminate func()
}

// Agent is the per-shard side of the coordination protocol. It holds the
// run tokens granted to this shard and gates the schedule manager's timers
// on them.
type Agent struct {
	cfg AgentConfig
	bus Bus
	mgr Scheduler

	tokens syncx.Map[time.Duration, bool]
}

// NewAgent returns an Agent for one shard. Bind must be called before Run.
func NewAgent(cfg AgentConfig, bus Bus) *Agent {
	return &Agent{cfg: cfg, bus: bus}
}

// Bind attaches the schedule manager. The manager should start paused;
// the agent resumes it once the coordinator announces initialization
// complete.
func (a *Agent) Bind(mgr Scheduler) { a.mgr = mgr }

// Gate reports whether this shard currently holds the run token for the
// named schedule's interval. It is installed as the schedule manager's
// timer gate.
func (a *Agent) Gate(name string) bool {
	interval, ok := a.mgr.Interval(name)
	if !ok {
		return false
	}
	held, _ := a.tokens.Load(interval)
	return held
}

// CycleComplete releases the run token for the finished schedule's interval
// and reports completion so the token passes to the next shard. It is
// installed as the schedule manager's completion hook.
func (a *Agent) CycleComplete(ctx context.Context, name string) {
	interval, ok := a.mgr.Interval(name)
	if !ok {
		return
	}
	a.tokens.Store(interval, false)

	msg := NewMessage(CycleComplete, a.cfg.Shard, Broadcast)
	msg.Interval = interval
	if err := a.bus.Publish(ctx, msg); err != nil {
		logger.Get(ctx).Error("reporting cycle completion", "schedule", name, "error", err)
	}
}

// Run announces readiness and serves coordination messages until ctx is
// cancelled or the coordinator orders termination.
func (a *Agent) Run(ctx context.Context) error {
	log := logger.Get(ctx)

	inbox, err := a.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	if err := a.bus.Publish(ctx, NewMessage(Ready, a.cfg.Shard, Broadcast)); err != nil {
		return err
	}
	stopAnnounce := a.announceReady(ctx)
	defer stopAnnounce()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inbox:
			if !msg.For(a.cfg.Shard) {
				continue
			}
			switch msg.Kind {
			case InitStart:
				stopAnnounce()
				a.runInit(ctx)
			case InitComplete:
				stopAnnounce()
				a.mgr.Resume()
			case RunToken:
				a.tokens.Store(msg.Interval, true)
			case PauseAll:
				a.confirmPause(ctx)
			case RefreshLimits:
				if a.cfg.RefreshLimits != nil {
					if err := a.cfg.RefreshLimits(ctx); err != nil {
						log.Error("refreshing limits cache", "error", err)
					}
				}
			case Terminate:
				log.Info("coordinator ordered shutdown", "shard", a.cfg.Shard)
				a.mgr.StopAll()
				if a.cfg.OnTerminate != nil {
					a.cfg.OnTerminate()
				}
				return nil
			}
		}
	}
}

// announceReady keeps re-publishing Ready until the returned stop func is
// called or ctx is cancelled.
func (a *Agent) announceReady(ctx context.Context) (stop func()) {
	log := logger.Get(ctx)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTicker(readyAnnounceInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if err := a.bus.Publish(ctx, NewMessage(Ready, a.cfg.Shard, Broadcast)); err != nil {
					log.Error("announcing readiness", "shard", a.cfg.Shard, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// runInit runs the initialization pass and reports back. An empty report is
// sent even on failure so the coordinator is never stalled waiting.
func (a *Agent) runInit(ctx context.Context) {
	log := logger.Get(ctx)

	report := &Report{LinkCounts: make(map[string]int)}
	if a.cfg.Init != nil {
		rep, err := a.cfg.Init(ctx)
		if err != nil {
			log.Error("initialization pass failed", "shard", a.cfg.Shard, "error", err)
		} else {
			report = rep
		}
	}

	msg := NewMessage(InitReport, a.cfg.Shard, Broadcast)
	msg.Report = report
	if err := a.bus.Publish(ctx, msg); err != nil {
		log.Error("reporting initialization", "shard", a.cfg.Shard, "error", err)
	}
}

// confirmPause pauses the schedules, waits until no cycle is in progress
// and confirms to the coordinator.
func (a *Agent) confirmPause(ctx context.Context) {
	a.mgr.Pause()
	go func() {
		for a.mgr.AnyCycleInProgress() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		if err := a.bus.Publish(ctx, NewMessage(Paused, a.cfg.Shard, Broadcast)); err != nil {
			logger.Get(ctx).Error("confirming pause", "shard", a.cfg.Shard, "error", err)
		}
	}()
}
