// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package feed

import (
	"sort"
	"time"
)

// EqualGUIDs reports whether a fetched item list reuses one guid for all
// entries, which makes the guid useless as an identity. It is true only when
// the list has more than one item and every item's guid is identical to the
// previous item's guid.
func EqualGUIDs(items []*Item) bool {
	if len(items) < 2 {
		return false
	}
	for i := 1; i < len(items); i++ {
		if items[i].GUID != items[i-1].GUID {
			return false
		}
	}
	return true
}

// Annotate wraps raw items and resolves a stable identity for each one.
//
// The precedence tolerates feeds with degenerate guids: a missing or
// list-wide-identical guid falls back to the title, then to the publish
// date, and only then to the raw guid.
func Annotate(raw []*Item) []*Item {
	equal := EqualGUIDs(raw)
	for _, it := range raw {
		it.Identity = resolveIdentity(it, equal)
	}
	return raw
}

func resolveIdentity(it *Item, equalGUIDs bool) string {
	useless := it.GUID == "" || equalGUIDs
	if useless && it.Title != "" {
		return it.Title
	}
	if useless && it.Title == "" && !it.Published().IsZero() {
		return it.Published().UTC().Format(time.RFC3339)
	}
	return it.GUID
}

// SortOldestFirst orders items by publish date ascending, so that delivery
// preserves chronological order. Items without a date keep their relative
// position at the end.
func SortOldestFirst(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].Published(), items[j].Published()
		if pi.IsZero() || pj.IsZero() {
			return !pi.IsZero() && pj.IsZero()
		}
		return pi.Before(pj)
	})
}
