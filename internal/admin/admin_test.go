// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedwarden/feedwarden/internal/cycle"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/health"
	"github.com/feedwarden/feedwarden/internal/testutil"
)

type stubEngine struct {
	tracker   health.Tracker
	ran       []string
	reenabled []string
}

func (e *stubEngine) Subscriptions() []*feed.Subscription {
	return []*feed.Subscription{
		{ID: "s1", Guild: "g1", URL: "https://example.com/feed"},
	}
}

func (e *stubEngine) Tracker() health.Tracker { return e.tracker }

func (e *stubEngine) Stats() map[string]cycle.Snapshot {
	return map[string]cycle.Snapshot{
		"default": {Cycles: 3, LastLinks: 1, AvgDuration: time.Second},
	}
}

func (e *stubEngine) Assignment(subID string) (string, bool) { return "default", true }
func (e *stubEngine) AnyCycleInProgress() bool               { return false }

func (e *stubEngine) RunSchedule(_ context.Context, name string) error {
	if name != "default" {
		return fmt.Errorf("unknown schedule %q", name)
	}
	e.ran = append(e.ran, name)
	return nil
}

func (e *stubEngine) Reenable(_ context.Context, link string) error {
	e.reenabled = append(e.reenabled, link)
	return nil
}

func newTestHandler(t *testing.T) (*http.ServeMux, *stubEngine) {
	t.Helper()
	e := &stubEngine{tracker: health.NewMemTracker(0)}
	return Handler(e), e
}

func TestStats(t *testing.T) {
	t.Parallel()

	mux, _ := newTestHandler(t)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	resp := testutil.UnmarshalJSON[statsResponse](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp.Subscriptions, 1)
	testutil.AssertEqual(t, resp.Schedules["default"].Cycles, 3)
}

func TestFeeds(t *testing.T) {
	t.Parallel()

	mux, _ := newTestHandler(t)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feeds", nil))

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	feeds := testutil.UnmarshalJSON[[]feedInfo](t, w.Body.Bytes())
	testutil.AssertEqual(t, len(feeds), 1)
	testutil.AssertEqual(t, feeds[0].ID, "s1")
	testutil.AssertEqual(t, feeds[0].Schedule, "default")
	testutil.AssertEqual(t, feeds[0].Disabled, false)
}

func TestRunSchedule(t *testing.T) {
	t.Parallel()

	mux, e := newTestHandler(t)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/run/default", nil))
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, e.ran, []string{"default"})

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/run/nope", nil))
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
}

func TestReenable(t *testing.T) {
	t.Parallel()

	mux, e := newTestHandler(t)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reenable?link=https://example.com/feed", nil))
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, e.reenabled, []string{"https://example.com/feed"})

	// Missing link parameter.
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reenable", nil))
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
}
