// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package deliver forwards new feed items to a delivery sink. The engine
// only raises deliver events; it never waits for the sink before continuing
// its own bookkeeping.
package deliver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/request"
)

// Deliverer sends one item to a destination.
type Deliverer interface {
	// Deliver sends the item. A failure is reported back as a best-effort
	// notice and never stops the cycle.
	Deliver(ctx context.Context, item *feed.Item, dest feed.Destination) error
	// Notify sends a plain-text notice (for example, a delivery failure
	// report) to a destination.
	Notify(ctx context.Context, dest feed.Destination, text string) error
}

const sendRetryLimit = 5

// Webhook delivers items by POSTing JSON to the destination's webhook URL.
type Webhook struct {
	httpc    *http.Client
	scrubber *strings.Replacer
}

// NewWebhook returns a webhook Deliverer using httpc, or
// [request.DefaultClient] if nil. The optional scrubber removes secrets
// from error messages.
func NewWebhook(httpc *http.Client, scrubber *strings.Replacer) *Webhook {
	if httpc == nil {
		httpc = request.DefaultClient
	}
	return &Webhook{httpc: httpc, scrubber: scrubber}
}

type webhookMessage struct {
	Channel string `json:"channel,omitempty"`
	Content string `json:"content"`
}

// Deliver sends the item to the destination webhook, retrying when the sink
// rate-limits us.
func (w *Webhook) Deliver(ctx context.Context, item *feed.Item, dest feed.Destination) error {
	title := item.Title
	if title == "" {
		title = item.Link
	}
	return w.post(ctx, dest, fmt.Sprintf("%s\n%s", title, item.Link))
}

// Notify sends a plain-text notice to the destination webhook.
func (w *Webhook) Notify(ctx context.Context, dest feed.Destination, text string) error {
	return w.post(ctx, dest, text)
}

func (w *Webhook) post(ctx context.Context, dest feed.Destination, content string) error {
	if dest.Webhook == "" {
		return fmt.Errorf("destination %q has no webhook", dest.Channel)
	}

	msg := webhookMessage{Channel: dest.Channel, Content: content}

	var err error
	for range sendRetryLimit {
		_, err = request.Make[request.IgnoreResponse](ctx, request.Params{
			Method:     http.MethodPost,
			URL:        dest.Webhook,
			Body:       msg,
			HTTPClient: w.httpc,
			Scrubber:   w.scrubber,
		})
		if err == nil {
			return nil
		}
		retryable, wait := isRateLimited(err)
		if !retryable {
			break
		}
		logger.Get(ctx).Warn("sending rate limited, waiting", "channel", dest.Channel, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isRateLimited(err error) (retryable bool, wait time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var errorResponse struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}

	return true, time.Duration(errorResponse.RetryAfter * float64(time.Second))
}
