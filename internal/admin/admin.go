// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package admin serves the engine's admin HTTP API: statistics, manual
// cycle runs and re-enabling disabled links.
package admin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/feedwarden/feedwarden/internal/cycle"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/health"
	"github.com/feedwarden/feedwarden/internal/web"
)

// Engine is the slice of the engine the admin API exposes.
type Engine interface {
	Subscriptions() []*feed.Subscription
	Tracker() health.Tracker
	Stats() map[string]cycle.Snapshot
	Assignment(subID string) (string, bool)
	AnyCycleInProgress() bool
	RunSchedule(ctx context.Context, name string) error
	Reenable(ctx context.Context, link string) error
}

// Handler returns an HTTP handler serving the admin API.
func Handler(e Engine) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, statsResponse{
			Subscriptions:   len(e.Subscriptions()),
			CycleInProgress: e.AnyCycleInProgress(),
			Schedules:       e.Stats(),
		})
	})

	mux.HandleFunc("GET /api/feeds", func(w http.ResponseWriter, r *http.Request) {
		var feeds []feedInfo
		for _, sub := range e.Subscriptions() {
			info := feedInfo{
				ID:    sub.ID,
				Guild: sub.Guild,
				URL:   sub.URL,
			}
			info.Schedule, _ = e.Assignment(sub.ID)
			disabled, err := e.Tracker().IsDisabled(r.Context(), sub.URL)
			if err != nil {
				web.RespondJSONError(w, r, err)
				return
			}
			info.Disabled = disabled
			feeds = append(feeds, info)
		}
		web.RespondJSON(w, feeds)
	})

	mux.HandleFunc("POST /api/run/{schedule}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("schedule")
		if err := e.RunSchedule(r.Context(), name); err != nil {
			web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
			return
		}
		web.RespondJSON(w, statusOK)
	})

	mux.HandleFunc("POST /api/reenable", func(w http.ResponseWriter, r *http.Request) {
		link := r.FormValue("link")
		if link == "" {
			web.RespondJSONError(w, r, fmt.Errorf("%w: link parameter is required", web.ErrBadRequest))
			return
		}
		if err := e.Reenable(r.Context(), link); err != nil {
			web.RespondJSONError(w, r, err)
			return
		}
		web.RespondJSON(w, statusOK)
	})

	return mux
}

var statusOK = map[string]string{"status": "ok"}

type statsResponse struct {
	Subscriptions   int                       `json:"subscriptions"`
	CycleInProgress bool                      `json:"cycle_in_progress"`
	Schedules       map[string]cycle.Snapshot `json:"schedules"`
}

type feedInfo struct {
	ID       string `json:"id"`
	Guild    string `json:"guild"`
	URL      string `json:"url"`
	Schedule string `json:"schedule,omitempty"`
	Disabled bool   `json:"disabled"`
}
