// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cycle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/feedwarden/feedwarden/internal/batch"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/fetch"
	"github.com/feedwarden/feedwarden/internal/store"
	"github.com/feedwarden/feedwarden/internal/testutil"
)

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Feed</title>
  <id>urn:example</id>
  <updated>2025-06-01T12:00:00Z</updated>
  <entry>
    <title>Hello</title>
    <id>urn:example:1</id>
    <link href="https://example.com/1"/>
    <updated>2025-06-01T12:00:00Z</updated>
  </entry>
</feed>`

func TestRunWorker(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	g := group("https://example.com/feed", sub("s1", "https://example.com/feed"))

	f := newStubFetcher()
	f.items[g.URL] = []*feed.Item{item("urn:1", "Only", now)}

	p := &Processor{Fetcher: f, Store: store.NewMemStore(), Defaults: defaults, Now: func() time.Time { return now }}

	in, err := json.Marshal(&batch.Batch{Groups: []*batch.LinkGroup{g}})
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := RunWorker(t.Context(), bytes.NewReader(in), &out, p); err != nil {
		t.Fatal(err)
	}

	var res LinkResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, res.URL, g.URL)
	testutil.AssertEqual(t, res.Outcome, OutcomeSuccess)
	testutil.AssertEqual(t, len(res.Articles), 1)
	testutil.AssertEqual(t, res.Articles[0].Item.Title, "Only")
}

// TestHelperWorker is not a real test: TestSubprocessChannel re-executes the
// test binary with this test selected to act as the worker subprocess.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("FEEDWARDEN_WORKER_HELPER") != "1" {
		t.Skip("not a worker")
	}

	p := &Processor{
		Fetcher:  fetch.NewClient(nil, 5*time.Second),
		Store:    store.NewMemStore(),
		Defaults: defaults,
	}
	if err := RunWorker(context.Background(), os.Stdin, os.Stdout, p); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestSubprocessChannel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(atomFeed))
	}))
	defer ts.Close()

	ch := &Subprocess{
		Bin:  os.Args[0],
		Args: []string{"-test.run=TestHelperWorker"},
		Env:  []string{"FEEDWARDEN_WORKER_HELPER=1"},
	}

	b := &batch.Batch{Groups: []*batch.LinkGroup{group(ts.URL, sub("s1", ts.URL))}}
	results, err := ch.Dispatch(t.Context(), b)
	if err != nil {
		t.Fatal(err)
	}

	var got []LinkResult
	for res := range results {
		got = append(got, res)
	}
	testutil.AssertEqual(t, len(got), 1)
	testutil.AssertEqual(t, got[0].URL, ts.URL)
	testutil.AssertEqual(t, got[0].Outcome, OutcomeSuccess)
	// A single-item feed delivers even on first fetch.
	testutil.AssertEqual(t, len(got[0].Articles), 1)
	testutil.AssertEqual(t, got[0].Articles[0].Item.Title, "Hello")
}

func TestSubprocessChannelWorkerDeath(t *testing.T) {
	ch := &Subprocess{Bin: "/bin/false"}

	b := &batch.Batch{Groups: []*batch.LinkGroup{group("https://example.com/feed", sub("s1", "https://example.com/feed"))}}
	results, err := ch.Dispatch(t.Context(), b)
	if err != nil {
		t.Fatal(err)
	}

	var got []LinkResult
	for res := range results {
		got = append(got, res)
	}
	// The worker died before reporting; the link counts as failed rather
	// than vanishing.
	testutil.AssertEqual(t, len(got), 1)
	testutil.AssertEqual(t, got[0].Outcome, OutcomeFailed)
}
