// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package shard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/store"
)

// ErrShardTimeout is returned when a shard does not respond within the
// bounded wait. The offending shard's turn is skipped so the system is not
// stalled indefinitely.
var ErrShardTimeout = errors.New("shard did not respond in time")

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Shards is the total number of shards.
	Shards int
	// Intervals are the distinct refresh intervals in use. Each gets its
	// own round-robin run token.
	Intervals []time.Duration
	// ReplyWait bounds how long to wait for one shard's reply.
	ReplyWait time.Duration
	// RefreshInterval is how often one shard is told to refresh the shared
	// entitlement/limits cache.
	RefreshInterval time.Duration
	// OnMissingGuilds receives guilds every shard reported missing. May be
	// nil.
	OnMissingGuilds func(guilds []string)
}

const (
	defaultReplyWait       = 30 * time.Second
	defaultRefreshInterval = time.Hour
)

// Coordinator sequences the shard fleet: ordered initialization passes,
// round-robin run tokens per refresh interval, and fleet-wide pause for
// destructive maintenance.
type Coordinator struct {
	cfg   CoordinatorConfig
	bus   Bus
	store store.Store

	// tokens tracks the current token holder per interval.
	tokens map[time.Duration]int

	pauseReq chan chan error
}

// NewCoordinator returns a Coordinator over bus. The store is used to
// garbage-collect comparison collections no shard references anymore.
func NewCoordinator(cfg CoordinatorConfig, bus Bus, st store.Store) *Coordinator {
	if cfg.ReplyWait <= 0 {
		cfg.ReplyWait = defaultReplyWait
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	return &Coordinator{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		tokens:   make(map[time.Duration]int),
		pauseReq: make(chan chan error),
	}
}

// Run drives the coordination protocol until ctx is cancelled: wait for
// every shard, run initialization one shard at a time in ascending order,
// merge and garbage-collect, then hand out run tokens.
func (c *Coordinator) Run(ctx context.Context) error {
	log := logger.Get(ctx)

	inbox, err := c.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	if err := c.waitReady(ctx, inbox); err != nil {
		return err
	}
	log.Info("all shards ready", "shards", c.cfg.Shards)

	reports, err := c.initShards(ctx, inbox)
	if err != nil {
		return err
	}

	c.mergeAndCollect(ctx, reports)

	if err := c.bus.Publish(ctx, NewMessage(InitComplete, -1, Broadcast)); err != nil {
		return err
	}

	// Grant the initial run token for every interval to shard 0.
	for _, interval := range c.cfg.Intervals {
		c.tokens[interval] = 0
		if err := c.grantToken(ctx, interval, 0); err != nil {
			return err
		}
	}

	refresh := time.NewTicker(c.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inbox:
			if msg.Kind != CycleComplete {
				continue
			}
			next := (msg.Shard + 1) % c.cfg.Shards
			c.tokens[msg.Interval] = next
			if err := c.grantToken(ctx, msg.Interval, next); err != nil {
				return err
			}
		case <-refresh.C:
			// The limits cache is uniform across shards; one refresh is
			// enough.
			msg := NewMessage(RefreshLimits, -1, 0)
			if err := c.bus.Publish(ctx, msg); err != nil {
				return err
			}
		case reply := <-c.pauseReq:
			reply <- c.pauseShards(ctx, inbox)
		}
	}
}

// Restore runs a destructive maintenance operation: pause every shard,
// confirm no cycle is in progress anywhere, run fn, then broadcast
// termination for manual restart.
func (c *Coordinator) Restore(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case c.pauseReq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return c.bus.Publish(ctx, NewMessage(Terminate, -1, Broadcast))
}

func (c *Coordinator) grantToken(ctx context.Context, interval time.Duration, shard int) error {
	msg := NewMessage(RunToken, -1, shard)
	msg.Interval = interval
	return c.bus.Publish(ctx, msg)
}

func (c *Coordinator) waitReady(ctx context.Context, inbox <-chan *Message) error {
	ready := make(map[int]bool)
	for len(ready) < c.cfg.Shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inbox:
			if msg.Kind == Ready {
				ready[msg.Shard] = true
			}
		}
	}
	return nil
}

// initShards runs the one-time initialization pass on every shard, one at a
// time in ascending shard order. A shard missing its reply window is logged
// and skipped.
func (c *Coordinator) initShards(ctx context.Context, inbox <-chan *Message) (map[int]*Report, error) {
	log := logger.Get(ctx)
	reports := make(map[int]*Report)

	for i := range c.cfg.Shards {
		if err := c.bus.Publish(ctx, NewMessage(InitStart, -1, i)); err != nil {
			return nil, err
		}

		msg, err := c.waitFor(ctx, inbox, func(m *Message) bool {
			return m.Kind == InitReport && m.Shard == i
		})
		if err != nil {
			if errors.Is(err, ErrShardTimeout) {
				log.Error("skipping shard initialization", "shard", i, "error", err)
				continue
			}
			return nil, err
		}
		reports[i] = msg.Report
	}
	return reports, nil
}

// mergeAndCollect merges per-shard link counts into the global set and
// drops persisted collections no shard references. Guilds count as missing
// only when every shard in the fleet voted; a shard whose init report was
// skipped can never consent, and its absence also disables garbage
// collection, since its collections are unknown.
func (c *Coordinator) mergeAndCollect(ctx context.Context, reports map[int]*Report) {
	log := logger.Get(ctx)

	global := make(map[string]int)
	missingVotes := make(map[string]int)
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		for key, count := range rep.LinkCounts {
			global[key] += count
		}
		for _, guild := range rep.MissingGuilds {
			missingVotes[guild]++
		}
	}

	var missing []string
	for guild, votes := range missingVotes {
		if votes == c.cfg.Shards {
			missing = append(missing, guild)
		}
	}
	slices.Sort(missing)
	if len(missing) > 0 {
		log.Info("guilds missing on every shard", "guilds", missing)
		if c.cfg.OnMissingGuilds != nil {
			c.cfg.OnMissingGuilds(missing)
		}
	}

	if len(reports) < c.cfg.Shards {
		log.Warn("skipping collection GC, not every shard reported",
			"reported", len(reports), "shards", c.cfg.Shards)
		return
	}

	keys, err := c.store.ListKeys(ctx)
	if err != nil {
		log.Error("listing collections for GC", "error", err)
		return
	}
	var stale []string
	for _, key := range keys {
		if _, ok := global[key]; !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := c.store.Drop(ctx, stale); err != nil {
		log.Error("dropping stale collections", "count", len(stale), "error", err)
		return
	}
	log.Info("dropped stale collections", "count", len(stale))
}

// pauseShards broadcasts a pause and waits until every shard confirms it
// has no cycle in progress.
func (c *Coordinator) pauseShards(ctx context.Context, inbox <-chan *Message) error {
	if err := c.bus.Publish(ctx, NewMessage(PauseAll, -1, Broadcast)); err != nil {
		return err
	}

	paused := make(map[int]bool)
	for len(paused) < c.cfg.Shards {
		msg, err := c.waitFor(ctx, inbox, func(m *Message) bool { return m.Kind == Paused })
		if err != nil {
			return fmt.Errorf("waiting for shards to pause: %w", err)
		}
		paused[msg.Shard] = true
	}
	return nil
}

func (c *Coordinator) waitFor(ctx context.Context, inbox <-chan *Message, pred func(*Message) bool) (*Message, error) {
	timer := time.NewTimer(c.cfg.ReplyWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrShardTimeout
		case msg := <-inbox:
			if pred(msg) {
				return msg, nil
			}
		}
	}
}
