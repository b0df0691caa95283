// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package shard coordinates multiple engine processes sharing the total
// subscription load. Shards exchange typed messages over a coordination
// bus; the coordinator serializes initialization passes and steady-state
// cycles so shards never fetch simultaneously for the same interval.
package shard

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates coordination messages.
type Kind string

// Coordination message kinds.
const (
	// Ready is sent by a shard once it is up and subscribed.
	Ready Kind = "ready"
	// InitStart instructs one shard to run its one-time initialization pass.
	InitStart Kind = "init_start"
	// InitReport carries a shard's initialization results back.
	InitReport Kind = "init_report"
	// InitComplete announces that all shards initialized and garbage
	// collection of stale collections finished.
	InitComplete Kind = "init_complete"
	// RunToken grants one shard the right to run its schedule for one
	// refresh interval.
	RunToken Kind = "run_token"
	// CycleComplete reports a finished cycle so the token can pass on.
	CycleComplete Kind = "cycle_complete"
	// PauseAll instructs every shard to pause its schedules.
	PauseAll Kind = "pause_all"
	// Paused confirms a shard is paused with no cycle in progress.
	Paused Kind = "paused"
	// Terminate instructs every shard to shut down for manual restart.
	Terminate Kind = "terminate"
	// RefreshLimits instructs exactly one shard to refresh the shared
	// entitlement/limits cache.
	RefreshLimits Kind = "refresh_limits"
)

// Broadcast is the Target value addressing every shard.
const Broadcast = -1

// Report is the payload of an InitReport message.
type Report struct {
	// LinkCounts maps link group keys to this shard's subscriber counts.
	LinkCounts map[string]int `json:"link_counts"`
	// MissingGuilds lists guild IDs this shard could not find. Guild
	// visibility is partitioned, so a guild counts as truly missing only
	// when every shard reports it.
	MissingGuilds []string `json:"missing_guilds,omitempty"`
}

// Message is one coordination bus message.
type Message struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Shard int    `json:"shard"`
	// Target addresses one shard, or [Broadcast].
	Target int `json:"target"`
	// Interval qualifies RunToken and CycleComplete messages.
	Interval time.Duration `json:"interval,omitempty"`
	Report   *Report       `json:"report,omitempty"`
}

// NewMessage returns a Message with a fresh ID.
func NewMessage(kind Kind, from, target int) *Message {
	return &Message{ID: uuid.NewString(), Kind: kind, Shard: from, Target: target}
}

// For reports whether the message addresses the given shard.
func (m *Message) For(shard int) bool {
	return m.Target == Broadcast || m.Target == shard
}
