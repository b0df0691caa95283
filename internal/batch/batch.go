// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package batch groups subscriptions by feed URL and splits the resulting
// link groups into size-bounded batches, so one cycle never runs an
// unbounded number of concurrent outbound requests.
package batch

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/feedwarden/feedwarden/internal/feed"
)

// LinkGroup is the set of subscriptions sharing one feed URL that can be
// fetched with shared request options. A subscription with its own request
// options (and an allow-listed guild) forms a singleton group.
type LinkGroup struct {
	URL           string               `json:"url"`
	Subscriptions []*feed.Subscription `json:"subscriptions"`
	Request       *feed.RequestOptions `json:"request,omitempty"`
}

// Key returns the stable store collection key of the group: a digest of the
// URL plus the request-option fingerprint, so the same URL fetched with
// different cookies keeps separate comparison records.
func (g *LinkGroup) Key() string {
	h := sha256.New()
	h.Write([]byte(g.URL))
	if !g.Request.Empty() {
		h.Write([]byte{0})
		h.Write([]byte(g.Request.Cookies))
		h.Write([]byte{0})
		h.Write([]byte(g.Request.UserAgent))
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Batch is an ordered, size-bounded collection of link groups.
type Batch struct {
	Groups []*LinkGroup `json:"groups"`
}

// GroupSet is the result of grouping one schedule's subscriptions:
// the regular groups, fetched with shared options, and the singleton
// groups of subscriptions that declared their own request options.
type GroupSet struct {
	Regular   []*LinkGroup
	Singleton []*LinkGroup
}

// Len returns the total number of link groups in the set.
func (gs *GroupSet) Len() int { return len(gs.Regular) + len(gs.Singleton) }

// Group splits subscriptions into link groups, preserving first-seen URL
// order.
//
// A subscription qualifies for a singleton group only if it declares
// non-empty request options and its guild is present in allowGuilds;
// otherwise the options are silently stripped and it joins the regular
// group for its URL. Links for which exclude returns true (for example,
// links disabled by the failure tracker) are skipped entirely.
func Group(subs []*feed.Subscription, allowGuilds map[string]bool, exclude func(url string) bool) *GroupSet {
	gs := new(GroupSet)
	regular := make(map[string]*LinkGroup)

	for _, sub := range subs {
		if exclude != nil && exclude(sub.URL) {
			continue
		}

		if !sub.Request.Empty() && allowGuilds[sub.Guild] {
			gs.Singleton = append(gs.Singleton, &LinkGroup{
				URL:           sub.URL,
				Subscriptions: []*feed.Subscription{sub},
				Request:       sub.Request,
			})
			continue
		}

		g, ok := regular[sub.URL]
		if !ok {
			g = &LinkGroup{URL: sub.URL}
			regular[sub.URL] = g
			gs.Regular = append(gs.Regular, g)
		}
		g.Subscriptions = append(g.Subscriptions, sub)
	}

	return gs
}

// Split batches groups in order, filling each batch to size before starting
// a new one. The final batch may be smaller. A size of zero or less means a
// single batch holding everything.
func Split(groups []*LinkGroup, size int) []*Batch {
	if len(groups) == 0 {
		return nil
	}
	if size <= 0 {
		return []*Batch{{Groups: groups}}
	}

	var batches []*Batch
	for start := 0; start < len(groups); start += size {
		end := min(start+size, len(groups))
		batches = append(batches, &Batch{Groups: groups[start:end]})
	}
	return batches
}
