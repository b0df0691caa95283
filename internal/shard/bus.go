// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package shard

import (
	"context"

	"github.com/feedwarden/feedwarden/internal/syncx"
)

// Bus is the coordination channel shards and the coordinator exchange
// messages over. Every subscriber sees every published message, including
// the publisher's own.
type Bus interface {
	Publish(ctx context.Context, msg *Message) error
	// Subscribe returns a channel of incoming messages. The subscription
	// ends when ctx is cancelled; receivers must watch ctx rather than rely
	// on channel closure.
	Subscribe(ctx context.Context) (<-chan *Message, error)
	Close() error
}

// Loopback is an in-process Bus for single-process deployments and tests.
type Loopback struct {
	subs *syncx.Protected[map[chan *Message]bool]
}

// NewLoopback returns an empty in-process bus.
func NewLoopback() *Loopback {
	return &Loopback{subs: syncx.Protect(make(map[chan *Message]bool))}
}

// Publish implements [Bus].
func (b *Loopback) Publish(ctx context.Context, msg *Message) error {
	var chans []chan *Message
	b.subs.ReadAccess(func(subs map[chan *Message]bool) {
		for ch := range subs {
			chans = append(chans, ch)
		}
	})
	for _, ch := range chans {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements [Bus].
func (b *Loopback) Subscribe(ctx context.Context) (<-chan *Message, error) {
	ch := make(chan *Message, 64)
	b.subs.WriteAccess(func(subs map[chan *Message]bool) { subs[ch] = true })
	go func() {
		<-ctx.Done()
		b.subs.WriteAccess(func(subs map[chan *Message]bool) { delete(subs, ch) })
	}()
	return ch, nil
}

// Close implements [Bus].
func (b *Loopback) Close() error { return nil }
