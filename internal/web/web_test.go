// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedwarden/feedwarden/internal/testutil"
)

func TestRespondJSONError(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err        error
		wantStatus int
	}{
		"plain StatusErr": {
			err:        ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		"wrapped StatusErr": {
			err:        fmt.Errorf("%w: method not allowed", ErrMethodNotAllowed),
			wantStatus: http.StatusMethodNotAllowed,
		},
		"unclassified error": {
			err:        fmt.Errorf("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			RespondJSONError(w, r, tc.err)

			testutil.AssertEqual(t, w.Code, tc.wantStatus)
			testutil.AssertEqual(t, w.Header().Get("Content-Type"), "application/json")

			resp := testutil.UnmarshalJSON[errorResponse](t, w.Body.Bytes())
			testutil.AssertEqual(t, resp.Status, "error")
		})
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	h := Health(mux)
	// Registering twice returns the same handler.
	testutil.AssertEqual(t, Health(mux) == h, true)

	h.RegisterFunc("store", func() (string, bool) { return "ok", true })

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	resp := testutil.UnmarshalJSON[HealthResponse](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp.OK, true)
	testutil.AssertEqual(t, resp.Checks["store"].Status, "ok")

	h.RegisterFunc("bus", func() (string, bool) { return "down", false })

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertEqual(t, w.Code, http.StatusInternalServerError)
}

func TestListenAndServe(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, map[string]string{"pong": "true"})
	})

	ready := make(chan string, 1)
	serveReadyHook = func(addr string) { ready <- addr }
	defer func() { serveReadyHook = nil }()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, &ListenAndServeConfig{Addr: "localhost:0", Mux: mux})
	}()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	res, err := http.Get("http://" + addr + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	testutil.AssertEqual(t, res.StatusCode, http.StatusOK)

	// Health endpoint registered automatically.
	res, err = http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	testutil.AssertEqual(t, res.StatusCode, http.StatusOK)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
