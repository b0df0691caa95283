// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/feedwarden/feedwarden/internal/config"
	"github.com/feedwarden/feedwarden/internal/cycle"
	"github.com/feedwarden/feedwarden/internal/schedule"
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

func TestEngineRunOnce(t *testing.T) {
	t.Parallel()

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(atomFeed))
	}))
	defer feedSrv.Close()

	delivered := make(chan string, 16)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Error(err)
		}
		delivered <- msg.Content
	}))
	defer sink.Close()

	src := fmt.Sprintf(`
subscriptions = [
    subscription(
        id = "s1",
        guild = "g1",
        url = %q,
        channel = "general",
        webhook = %q,
    ),
]
`, feedSrv.URL, sink.URL)

	cfg, err := config.Parse("config.star", src, nil)
	if err != nil {
		t.Fatal(err)
	}

	e, err := New(t.Context(), Options{Config: cfg, StoreDSN: "mem"})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.RunOnce(t.Context()); err != nil {
		t.Fatal(err)
	}

	select {
	case content := <-delivered:
		if !strings.Contains(content, "Hello") {
			t.Fatalf("delivered content %q does not mention the item", content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("item was not delivered")
	}

	stats := e.Manager().Stats()
	testutil.AssertEqual(t, stats[schedule.DefaultName].Cycles, 1)
	testutil.AssertEqual(t, stats[schedule.DefaultName].LastLinks, 1)
	testutil.AssertEqual(t, stats[schedule.DefaultName].LastFailed, 0)

	// A second pass sees everything as already known.
	if err := e.RunOnce(t.Context()); err != nil {
		t.Fatal(err)
	}
	select {
	case content := <-delivered:
		t.Fatalf("unexpected delivery %q", content)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewRejectsPrivateStoreForWorkers(t *testing.T) {
	t.Parallel()

	for _, dsn := range []string{"", "mem", "file:state.json"} {
		_, err := New(t.Context(), Options{
			Config:    &config.Config{},
			StoreDSN:  dsn,
			Strategy:  cycle.Pool,
			WorkerBin: "/usr/local/bin/feedwarden",
		})
		if err == nil {
			t.Fatalf("store DSN %q: worker subprocesses over a private store must be rejected", dsn)
		}
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	t.Run("mem", func(t *testing.T) {
		t.Parallel()
		s, err := OpenStore(t.Context(), "mem")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := s.(*store.MemStore); !ok {
			t.Fatalf("want *store.MemStore, got %T", s)
		}
	})

	t.Run("file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "state.json")
		s, err := OpenStore(t.Context(), "file:"+path)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		if _, ok := s.(*store.JSONFile); !ok {
			t.Fatalf("want *store.JSONFile, got %T", s)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		t.Parallel()
		if _, err := OpenStore(t.Context(), "bolt:whatever"); err == nil {
			t.Fatal("want error for unsupported DSN")
		}
	})
}
