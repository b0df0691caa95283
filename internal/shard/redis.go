// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const busChannel = "feedwarden:coord"

// RedisBus is a Redis pub/sub backed Bus for multi-process deployments.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus returns a RedisBus connected at redisURL.
func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("shard: parsing redis URL: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

// Publish implements [Bus].
func (b *RedisBus) Publish(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("shard: encoding message: %w", err)
	}
	if err := b.client.Publish(ctx, busChannel, payload).Err(); err != nil {
		return fmt.Errorf("shard: publishing %s: %w", msg.Kind, err)
	}
	return nil
}

// Subscribe implements [Bus].
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan *Message, error) {
	sub := b.client.Subscribe(ctx, busChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("shard: subscribing: %w", err)
	}

	ch := make(chan *Message, 64)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub.Channel():
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case ch <- &msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close implements [Bus].
func (b *RedisBus) Close() error { return b.client.Close() }
