// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package fetch retrieves and parses one feed URL. It keeps a per-link
// conditional GET cache (ETag/Last-Modified) so unchanged feeds cost one
// cheap round-trip.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/request"
	"github.com/feedwarden/feedwarden/internal/syncx"
	"github.com/feedwarden/feedwarden/internal/version"

	"github.com/mmcdole/gofeed"
)

// ErrNotModified is returned when the feed has not changed since the last
// fetch. It is a success outcome, not a failure.
var ErrNotModified = errors.New("feed not modified")

// ErrorKind classifies a fetch failure.
type ErrorKind int

// Fetch failure kinds.
const (
	Transport ErrorKind = iota
	Timeout
	Status
	Parse
)

func (k ErrorKind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	case Status:
		return "status"
	case Parse:
		return "parse"
	}
	return "unknown"
}

// Error is a typed fetch failure. It is recorded as a per-link failure and
// retried next cycle, never treated as fatal.
type Error struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kind == Status {
		return fmt.Sprintf("fetching %q: want 200, got %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %q: %s: %v", e.URL, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

type conditional struct {
	etag         string
	lastModified string
}

// Client fetches feeds over HTTP.
type Client struct {
	httpc   *http.Client
	fp      *gofeed.Parser
	timeout time.Duration
	cache   syncx.Map[string, conditional]
}

// NewClient returns a Client using httpc, or [request.DefaultClient] if nil.
// Each fetch is bounded by timeout.
func NewClient(httpc *http.Client, timeout time.Duration) *Client {
	if httpc == nil {
		httpc = request.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpc:   httpc,
		fp:      gofeed.NewParser(),
		timeout: timeout,
	}
}

// Fetch retrieves and parses the feed at url. Request options, when a link
// group carries them, are applied to this request only.
//
// The returned items are raw: identity annotation and ordering are the
// caller's concern.
func (c *Client) Fetch(ctx context.Context, url string, opts *feed.RequestOptions) ([]*feed.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: Transport, URL: url, Err: err}
	}

	req.Header.Set("User-Agent", version.UserAgent())
	if opts != nil {
		if opts.UserAgent != "" {
			req.Header.Set("User-Agent", opts.UserAgent)
		}
		if opts.Cookies != "" {
			req.Header.Set("Cookie", opts.Cookies)
		}
	}

	cacheKey := url
	if !opts.Empty() {
		// Feeds fetched with per-request options often serve different
		// content; keep their conditional state separate.
		cacheKey = url + "\x00" + opts.Cookies
	}
	if cond, ok := c.cache.Load(cacheKey); ok {
		if cond.etag != "" {
			req.Header.Set("If-None-Match", cond.etag)
		}
		if cond.lastModified != "" {
			req.Header.Set("If-Modified-Since", cond.lastModified)
		}
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		kind := Transport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = Timeout
		}
		return nil, &Error{Kind: kind, URL: url, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(res.Body, 16384))
		return nil, &Error{Kind: Status, URL: url, StatusCode: res.StatusCode}
	}

	parsed, err := c.fp.Parse(res.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: Timeout, URL: url, Err: err}
		}
		return nil, &Error{Kind: Parse, URL: url, Err: err}
	}

	cond := conditional{
		etag:         res.Header.Get("ETag"),
		lastModified: res.Header.Get("Last-Modified"),
	}
	if cond.etag != "" || cond.lastModified != "" {
		c.cache.Store(cacheKey, cond)
	}

	items := make([]*feed.Item, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		items = append(items, &feed.Item{Item: it})
	}
	return items, nil
}
