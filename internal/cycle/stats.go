// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cycle

import (
	"time"

	"github.com/feedwarden/feedwarden/internal/syncx"
)

// Snapshot is a point-in-time view of one schedule's cycle statistics.
type Snapshot struct {
	Cycles       int           `json:"cycles"`
	LastLinks    int           `json:"last_links"`
	LastFailed   int           `json:"last_failed"`
	LastDuration time.Duration `json:"last_duration"`
	AvgDuration  time.Duration `json:"avg_duration"`
	AvgLinks     float64       `json:"avg_links"`
	LastRun      time.Time     `json:"last_run"`
}

// Stats accumulates rolling cycle statistics for one schedule.
type Stats struct {
	v *syncx.Protected[*statsState]
}

type statsState struct {
	snap          Snapshot
	totalDuration time.Duration
	totalLinks    int
}

// NewStats returns empty Stats.
func NewStats() *Stats {
	return &Stats{v: syncx.Protect(&statsState{})}
}

func (s *Stats) complete(links, failed int, d time.Duration) Snapshot {
	var snap Snapshot
	s.v.WriteAccess(func(st *statsState) {
		st.snap.Cycles++
		st.snap.LastLinks = links
		st.snap.LastFailed = failed
		st.snap.LastDuration = d
		st.snap.LastRun = time.Now()
		st.totalDuration += d
		st.totalLinks += links
		st.snap.AvgDuration = st.totalDuration / time.Duration(st.snap.Cycles)
		st.snap.AvgLinks = float64(st.totalLinks) / float64(st.snap.Cycles)
		snap = st.snap
	})
	return snap
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() Snapshot {
	var snap Snapshot
	s.v.ReadAccess(func(st *statsState) { snap = st.snap })
	return snap
}
