// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package feed

import (
	"testing"
	"time"

	"github.com/feedwarden/feedwarden/internal/testutil"

	"github.com/mmcdole/gofeed"
)

func item(guid, title string, published *time.Time) *Item {
	return &Item{Item: &gofeed.Item{GUID: guid, Title: title, PublishedParsed: published}}
}

func identities(items []*Item) []string {
	var ids []string
	for _, it := range items {
		ids = append(ids, it.Identity)
	}
	return ids
}

func TestEqualGUIDs(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		items []*Item
		want  bool
	}{
		"empty":          {nil, false},
		"single":         {[]*Item{item("a", "", nil)}, false},
		"all equal":      {[]*Item{item("a", "", nil), item("a", "", nil), item("a", "", nil)}, true},
		"distinct":       {[]*Item{item("a", "", nil), item("b", "", nil)}, false},
		"partially same": {[]*Item{item("a", "", nil), item("a", "", nil), item("b", "", nil)}, false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, EqualGUIDs(tc.items), tc.want)
		})
	}
}

func TestAnnotate(t *testing.T) {
	t.Parallel()

	date := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("distinct guids win", func(t *testing.T) {
		items := Annotate([]*Item{
			item("guid-1", "First", &date),
			item("guid-2", "Second", &date),
		})
		testutil.AssertEqual(t, identities(items), []string{"guid-1", "guid-2"})
	})

	t.Run("shared guid falls back to title", func(t *testing.T) {
		items := Annotate([]*Item{
			item("same", "First", &date),
			item("same", "Second", &date),
		})
		testutil.AssertEqual(t, identities(items), []string{"First", "Second"})
	})

	t.Run("no guid no title falls back to date", func(t *testing.T) {
		items := Annotate([]*Item{item("", "", &date)})
		testutil.AssertEqual(t, identities(items), []string{"2025-06-01T12:00:00Z"})
	})

	t.Run("no guid uses title", func(t *testing.T) {
		items := Annotate([]*Item{item("", "Only Title", nil)})
		testutil.AssertEqual(t, identities(items), []string{"Only Title"})
	})

	t.Run("shared guid without title or date keeps raw guid", func(t *testing.T) {
		items := Annotate([]*Item{
			item("same", "", nil),
			item("same", "", nil),
		})
		testutil.AssertEqual(t, identities(items), []string{"same", "same"})
	})
}

func TestSortOldestFirst(t *testing.T) {
	t.Parallel()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	items := []*Item{
		item("c", "newest", &recent),
		item("a", "oldest", &old),
		item("d", "undated", nil),
		item("b", "middle", &mid),
	}
	SortOldestFirst(items)

	var titles []string
	for _, it := range items {
		titles = append(titles, it.Title)
	}
	testutil.AssertEqual(t, titles, []string{"oldest", "middle", "newest", "undated"})
}

func TestResolve(t *testing.T) {
	t.Parallel()

	global := Defaults{CheckTitles: false, CheckDates: true, MaxAgeDays: 10}
	boolp := func(b bool) *bool { return &b }
	intp := func(i int) *int { return &i }

	t.Run("global defaults", func(t *testing.T) {
		got := Resolve(&Subscription{}, nil, global)
		testutil.AssertEqual(t, got, Options{CheckTitles: false, CheckDates: true, MaxAgeDays: 10})
	})

	t.Run("schedule layer", func(t *testing.T) {
		got := Resolve(&Subscription{}, &ScheduleDefaults{CheckTitles: boolp(true), MaxAgeDays: intp(3)}, global)
		testutil.AssertEqual(t, got, Options{CheckTitles: true, CheckDates: true, MaxAgeDays: 3})
	})

	t.Run("subscription override wins", func(t *testing.T) {
		sub := &Subscription{Overrides: Overrides{
			CheckTitles: boolp(false),
			CheckDates:  boolp(false),
			MaxAgeDays:  intp(1),
		}}
		got := Resolve(sub, &ScheduleDefaults{CheckTitles: boolp(true)}, global)
		testutil.AssertEqual(t, got, Options{CheckTitles: false, CheckDates: false, MaxAgeDays: 1})
	})
}
