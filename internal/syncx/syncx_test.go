// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package syncx

import (
	"sync/atomic"
	"testing"

	"github.com/feedwarden/feedwarden/internal/testutil"
)

func TestProtected(t *testing.T) {
	t.Parallel()

	t.Run("read access", func(t *testing.T) {
		p := Protect(42)
		var got int
		p.ReadAccess(func(val int) { got = val })
		testutil.AssertEqual(t, got, 42)
	})

	t.Run("write access", func(t *testing.T) {
		var i int
		p := Protect(&i)
		p.WriteAccess(func(val *int) { *val = 43 })
		testutil.AssertEqual(t, i, 43)
	})
}

func TestLimitedWaitGroup(t *testing.T) {
	t.Parallel()

	const limit = 3

	lwg := NewLimitedWaitGroup(limit)

	var active, peak atomic.Int64
	for range 20 {
		lwg.Go(func() {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			active.Add(-1)
		})
	}
	lwg.Wait()

	if peak.Load() > limit {
		t.Fatalf("peak concurrency %d exceeds limit %d", peak.Load(), limit)
	}
}

func TestMap(t *testing.T) {
	t.Parallel()

	var m Map[string, int]

	m.Store("a", 1)
	v, ok := m.Load("a")
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, v, 1)

	actual, loaded := m.LoadOrStore("a", 2)
	testutil.AssertEqual(t, loaded, true)
	testutil.AssertEqual(t, actual, 1)

	m.Delete("a")
	_, ok = m.Load("a")
	testutil.AssertEqual(t, ok, false)
}
