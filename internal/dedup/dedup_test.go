// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/store"
	"github.com/feedwarden/feedwarden/internal/testutil"

	"github.com/mmcdole/gofeed"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func item(guid, title string, age time.Duration) *feed.Item {
	pub := now.Add(-age)
	return &feed.Item{Item: &gofeed.Item{GUID: guid, Title: title, PublishedParsed: &pub}}
}

func subscriber(id string, opts feed.Options) Subscriber {
	return Subscriber{ID: id, Destination: feed.Destination{Channel: "ch-" + id}, Options: opts}
}

func classify(items []*feed.Item, rec *store.Record, subs ...Subscriber) *Result {
	return Classify(feed.Annotate(items), rec, subs, now)
}

func recordWith(t *testing.T, entries ...store.Entry) *store.Record {
	t.Helper()
	s := store.NewMemStore()
	if err := s.BulkUpsert(context.Background(), "k", entries); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Find(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func delivered(res *Result) []string {
	var ids []string
	for _, d := range res.Decisions {
		if d.Deliver {
			ids = append(ids, d.Item.Identity)
		}
	}
	return ids
}

func insertedIdentities(res *Result) []string {
	var ids []string
	for _, e := range res.Inserts {
		ids = append(ids, e.Identity)
	}
	return ids
}

func TestBootstrapSwallowsMultiItemFetch(t *testing.T) {
	t.Parallel()

	items := []*feed.Item{
		item("a", "A", time.Hour),
		item("b", "B", 2*time.Hour),
		item("c", "C", 3*time.Hour),
		item("d", "D", 4*time.Hour),
		item("e", "E", 5*time.Hour),
	}
	res := classify(items, store.NewRecord(), subscriber("s1", feed.Options{MaxAgeDays: 30}))

	testutil.AssertEqual(t, len(res.Inserts), 5)
	testutil.AssertEqual(t, len(delivered(res)), 0)
}

func TestBootstrapDeliversSingleItemFeed(t *testing.T) {
	t.Parallel()

	res := classify([]*feed.Item{item("only", "Only", time.Hour)}, store.NewRecord(),
		subscriber("s1", feed.Options{MaxAgeDays: 30}))

	testutil.AssertEqual(t, insertedIdentities(res), []string{"only"})
	testutil.AssertEqual(t, delivered(res), []string{"only"})
}

func TestSeenIdentityNeverDelivered(t *testing.T) {
	t.Parallel()

	rec := recordWith(t, store.Entry{Identity: "a", Title: "A"})

	// Even with title checking off and an ancient date, a seen identity is
	// silent and requires no write.
	res := classify([]*feed.Item{item("a", "Fresh Title", 365*24*time.Hour)}, rec,
		subscriber("s1", feed.Options{MaxAgeDays: 1}))

	testutil.AssertEqual(t, len(delivered(res)), 0)
	testutil.AssertEqual(t, len(res.Inserts), 0)
}

func TestSeenTitlePersistedNotDelivered(t *testing.T) {
	t.Parallel()

	rec := recordWith(t, store.Entry{Identity: "old-guid", Title: "Stable Title"})

	items := []*feed.Item{item("new-guid", "Stable Title", time.Hour)}

	t.Run("check titles on", func(t *testing.T) {
		res := classify(items, rec, subscriber("s1", feed.Options{CheckTitles: true, MaxAgeDays: 30}))
		// The rotated guid is persisted under its new identity but the item
		// is not delivered again.
		testutil.AssertEqual(t, insertedIdentities(res), []string{"new-guid"})
		testutil.AssertEqual(t, len(delivered(res)), 0)
	})

	t.Run("check titles off", func(t *testing.T) {
		res := classify(items, rec, subscriber("s1", feed.Options{MaxAgeDays: 30}))
		testutil.AssertEqual(t, delivered(res), []string{"new-guid"})
	})
}

func TestStaleByDate(t *testing.T) {
	t.Parallel()

	rec := recordWith(t, store.Entry{Identity: "seed"})
	opts := feed.Options{CheckDates: true, MaxAgeDays: 3}

	t.Run("old item tagged and swallowed", func(t *testing.T) {
		res := classify([]*feed.Item{item("a", "A", 10*24*time.Hour)}, rec, subscriber("s1", opts))
		testutil.AssertEqual(t, len(delivered(res)), 0)
		testutil.AssertEqual(t, insertedIdentities(res), []string{"a"})
		testutil.AssertEqual(t, res.Decisions[0].Old, true)
	})

	t.Run("missing date counts as stale", func(t *testing.T) {
		it := &feed.Item{Item: &gofeed.Item{GUID: "b", Title: "B"}}
		res := classify([]*feed.Item{it}, rec, subscriber("s1", opts))
		testutil.AssertEqual(t, len(delivered(res)), 0)
		testutil.AssertEqual(t, res.Decisions[0].Old, true)
	})

	t.Run("fresh item delivered", func(t *testing.T) {
		res := classify([]*feed.Item{item("c", "C", time.Hour)}, rec, subscriber("s1", opts))
		testutil.AssertEqual(t, delivered(res), []string{"c"})
	})
}

func TestPerSubscriberSettingsDiverge(t *testing.T) {
	t.Parallel()

	rec := recordWith(t, store.Entry{Identity: "old-guid", Title: "Stable Title"})

	res := classify([]*feed.Item{item("new-guid", "Stable Title", time.Hour)}, rec,
		subscriber("titles-on", feed.Options{CheckTitles: true, MaxAgeDays: 30}),
		subscriber("titles-off", feed.Options{MaxAgeDays: 30}),
	)

	byID := make(map[string]bool)
	for _, d := range res.Decisions {
		byID[d.Subscriber] = d.Deliver
	}
	testutil.AssertEqual(t, byID, map[string]bool{"titles-on": false, "titles-off": true})

	// One subscriber silencing the item must not suppress the single shared
	// insert for the new identity.
	testutil.AssertEqual(t, insertedIdentities(res), []string{"new-guid"})
}

func TestCustomComparisonFieldOverridesSeen(t *testing.T) {
	t.Parallel()

	seed := store.Entry{Identity: "a", Title: "A", Fields: map[string]string{"author": "alice"}}

	t.Run("new value redelivers and queues update", func(t *testing.T) {
		rec := recordWith(t, seed)
		it := item("a", "A", time.Hour)
		it.Author = &gofeed.Person{Name: "bob"}

		res := classify([]*feed.Item{it}, rec,
			subscriber("s1", feed.Options{MaxAgeDays: 30, ComparisonFields: []string{"author"}}))

		testutil.AssertEqual(t, delivered(res), []string{"a"})
		testutil.AssertEqual(t, len(res.Inserts), 0)
		testutil.AssertEqual(t, res.FieldUpdates, []FieldUpdate{
			{Identity: "a", Fields: map[string]string{"author": "bob"}},
		})
	})

	t.Run("recorded value stays silent", func(t *testing.T) {
		rec := recordWith(t, seed)
		it := item("a", "A", time.Hour)
		it.Author = &gofeed.Person{Name: "alice"}

		res := classify([]*feed.Item{it}, rec,
			subscriber("s1", feed.Options{MaxAgeDays: 30, ComparisonFields: []string{"author"}}))

		testutil.AssertEqual(t, len(delivered(res)), 0)
		testutil.AssertEqual(t, len(res.FieldUpdates), 0)
	})
}

func TestComparisonFieldPruning(t *testing.T) {
	t.Parallel()

	rec := recordWith(t, store.Entry{Identity: "a"})

	// "nonexistent" appears on no item of the batch and is pruned; the seen
	// item stays silent despite the declared field.
	res := classify([]*feed.Item{item("a", "A", time.Hour), item("b", "B", time.Hour)}, rec,
		subscriber("s1", feed.Options{MaxAgeDays: 30, ComparisonFields: []string{"nonexistent"}}))

	testutil.AssertEqual(t, res.PrunedFields, []string{"nonexistent"})
	for _, d := range res.Decisions {
		if d.Item.Identity == "a" {
			testutil.AssertEqual(t, d.Deliver, false)
		}
	}
}

func TestReservedComparisonFields(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"title", "guid", "pubdate"} {
		if err := ValidateComparisonFields([]string{name}); err == nil {
			t.Errorf("ValidateComparisonFields(%q): want error, got nil", name)
		}
	}
	if err := ValidateComparisonFields([]string{"author", "description"}); err != nil {
		t.Errorf("ValidateComparisonFields: unexpected error: %v", err)
	}
}

func TestDecisionsKeepChronologicalOrder(t *testing.T) {
	t.Parallel()

	rec := recordWith(t, store.Entry{Identity: "seed"})

	items := []*feed.Item{
		item("newest", "Newest", time.Hour),
		item("oldest", "Oldest", 72*time.Hour),
		item("middle", "Middle", 24*time.Hour),
	}
	feed.SortOldestFirst(items)
	res := classify(items, rec, subscriber("s1", feed.Options{MaxAgeDays: 30}))

	testutil.AssertEqual(t, delivered(res), []string{"oldest", "middle", "newest"})
}

func TestEqualGUIDsFeedDedupsByTitle(t *testing.T) {
	t.Parallel()

	// The feed reuses one guid for every entry; titles become identities, so
	// a previously seen title is recognized even without checkTitles.
	rec := recordWith(t, store.Entry{Identity: "Seen Before", Title: "Seen Before"})

	res := classify([]*feed.Item{
		item("same", "Seen Before", 2*time.Hour),
		item("same", "Brand New", time.Hour),
	}, rec, subscriber("s1", feed.Options{MaxAgeDays: 30}))

	testutil.AssertEqual(t, delivered(res), []string{"Brand New"})
	testutil.AssertEqual(t, insertedIdentities(res), []string{"Brand New"})
}
