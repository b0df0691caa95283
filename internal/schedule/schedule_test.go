// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/feedwarden/feedwarden/internal/cycle"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/health"
	"github.com/feedwarden/feedwarden/internal/store"
	"github.com/feedwarden/feedwarden/internal/testutil"

	"github.com/mmcdole/gofeed"
)

type stubFetcher struct{ items map[string][]*feed.Item }

func (f *stubFetcher) Fetch(_ context.Context, url string, _ *feed.RequestOptions) ([]*feed.Item, error) {
	items := make([]*feed.Item, len(f.items[url]))
	for i, it := range f.items[url] {
		clone := *it.Item
		items[i] = &feed.Item{Item: &clone}
	}
	return items, nil
}

type stubDeliverer struct {
	delivered chan *feed.Item
}

func (d *stubDeliverer) Deliver(_ context.Context, item *feed.Item, _ feed.Destination) error {
	d.delivered <- item
	return nil
}

func (d *stubDeliverer) Notify(context.Context, feed.Destination, string) error { return nil }

func item(guid, title string) *feed.Item {
	pub := time.Now().Add(-time.Hour)
	return &feed.Item{Item: &gofeed.Item{GUID: guid, Title: title, PublishedParsed: &pub}}
}

func sub(id, url string) *feed.Subscription {
	return &feed.Subscription{
		ID:          id,
		Guild:       "g1",
		URL:         url,
		Destination: feed.Destination{Channel: "chan", Webhook: "https://sink.example.com"},
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewMemStore()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = &stubFetcher{}
	}
	if opts.Tracker == nil {
		opts.Tracker = health.NewMemTracker(0)
	}
	if opts.Deliverer == nil {
		opts.Deliverer = &stubDeliverer{delivered: make(chan *feed.Item, 16)}
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewManagerRejectsKeywordlessSchedule(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Options{
		Definitions:   []Definition{{Name: "news"}},
		Subscriptions: func() []*feed.Subscription { return nil },
		Store:         store.NewMemStore(),
		Fetcher:       &stubFetcher{},
		Tracker:       health.NewMemTracker(0),
	})
	if !errors.Is(err, ErrNoKeywords) {
		t.Fatalf("want ErrNoKeywords, got %v", err)
	}
}

func TestAssignment(t *testing.T) {
	t.Parallel()

	subs := []*feed.Subscription{
		sub("s1", "https://news.example.com/feed"),
		sub("s2", "https://blog.example.com/feed"),
		sub("s3", "https://media.example.com/feed"),
	}
	m := newTestManager(t, Options{
		Definitions: []Definition{
			{Name: "news", Keywords: []string{"news."}},
		},
		ReservedKeywords: []string{"media."},
		Subscriptions:    func() []*feed.Subscription { return subs },
	})

	news := m.subsFor("news")()
	testutil.AssertEqual(t, len(news), 1)
	testutil.AssertEqual(t, news[0].ID, "s1")

	def := m.subsFor(DefaultName)()
	testutil.AssertEqual(t, len(def), 1)
	testutil.AssertEqual(t, def[0].ID, "s2")

	// s3 matches a reserved keyword whose schedule is not configured here,
	// so it stays unassigned.
	if _, ok := m.Assignment("s3"); ok {
		t.Fatal("s3 must stay unassigned")
	}

	name, ok := m.Assignment("s1")
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, name, "news")
}

func TestResolveBeforeFirstCycle(t *testing.T) {
	t.Parallel()

	s := sub("s1", "https://news.example.com/feed")
	m := newTestManager(t, Options{
		Definitions: []Definition{
			{Name: "news", Keywords: []string{"news."}},
		},
		Subscriptions: func() []*feed.Subscription { return []*feed.Subscription{s} },
	})

	// Nothing ran yet, so no binding exists, but Resolve reports the
	// prospective schedule without creating one.
	if _, ok := m.Assignment("s1"); ok {
		t.Fatal("no binding must exist before the first cycle")
	}
	name, ok := m.Resolve(s)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, name, "news")
	if _, ok := m.Assignment("s1"); ok {
		t.Fatal("Resolve must not bind")
	}
}

func TestAssignmentIsSticky(t *testing.T) {
	t.Parallel()

	s := sub("s1", "https://blog.example.com/feed")
	m := newTestManager(t, Options{
		Definitions: []Definition{
			{Name: "blogs", Keywords: []string{"blog."}},
		},
		Subscriptions: func() []*feed.Subscription { return []*feed.Subscription{s} },
	})

	got := m.subsFor("blogs")()
	testutil.AssertEqual(t, len(got), 1)

	// The URL changing later must not rebind the subscription.
	s.URL = "https://other.example.com/feed"
	got = m.subsFor("blogs")()
	testutil.AssertEqual(t, len(got), 1)
	testutil.AssertEqual(t, len(m.subsFor(DefaultName)()), 0)
}

func TestAssignmentRejectsReservedComparisonField(t *testing.T) {
	t.Parallel()

	s := sub("s1", "https://blog.example.com/feed")
	s.Overrides.ComparisonFields = []string{"title"}
	m := newTestManager(t, Options{
		Subscriptions: func() []*feed.Subscription { return []*feed.Subscription{s} },
	})

	testutil.AssertEqual(t, len(m.subsFor(DefaultName)()), 0)
	if _, ok := m.Assignment("s1"); ok {
		t.Fatal("malformed subscription must stay unassigned")
	}
}

func TestRunScheduleUnknown(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{
		Subscriptions: func() []*feed.Subscription { return nil },
	})
	err := m.RunSchedule(t.Context(), "nope")
	if !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("want ErrUnknownSchedule, got %v", err)
	}
}

func TestRunScheduleDelivers(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/feed"
	f := &stubFetcher{items: map[string][]*feed.Item{
		url: {item("urn:1", "Only")},
	}}
	d := &stubDeliverer{delivered: make(chan *feed.Item, 16)}

	var completed []string
	m := newTestManager(t, Options{
		Subscriptions: func() []*feed.Subscription { return []*feed.Subscription{sub("s1", url)} },
		Fetcher:       f,
		Deliverer:     d,
		OnComplete:    func(name string, _ cycle.Snapshot) { completed = append(completed, name) },
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	m.ctx = ctx

	if err := m.RunSchedule(ctx, DefaultName); err != nil {
		t.Fatal(err)
	}

	select {
	case it := <-d.delivered:
		testutil.AssertEqual(t, it.Title, "Only")
	case <-time.After(5 * time.Second):
		t.Fatal("item was not delivered")
	}

	testutil.AssertEqual(t, completed, []string{DefaultName})
	testutil.AssertEqual(t, m.AnyCycleInProgress(), false)

	stats := m.Stats()
	testutil.AssertEqual(t, stats[DefaultName].Cycles, 1)
	testutil.AssertEqual(t, stats[DefaultName].LastLinks, 1)
}

func TestManagerDefaults(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{
		Subscriptions: func() []*feed.Subscription { return nil },
	})

	interval, ok := m.Interval(DefaultName)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, interval, DefaultInterval)
	testutil.AssertEqual(t, m.Schedules(), []string{DefaultName})
}
