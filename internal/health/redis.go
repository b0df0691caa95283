// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTracker is a Redis-backed Tracker, shared by all shards so failure
// state stays uniform across the fleet. Counter updates use INCR, which is
// atomic per link.
type RedisTracker struct {
	client    *redis.Client
	failLimit int
}

// NewRedisTracker returns a RedisTracker connected at redisURL.
func NewRedisTracker(redisURL string, limit int) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("health: parsing redis URL: %w", err)
	}
	if limit <= 0 {
		limit = DefaultFailLimit
	}
	return &RedisTracker{
		client:    redis.NewClient(opts),
		failLimit: limit,
	}, nil
}

func failKey(link string) string     { return "feedwarden:fail:" + link }
func disabledKey(link string) string { return "feedwarden:disabled:" + link }

// RecordFailure increments the link's consecutive failure count.
func (t *RedisTracker) RecordFailure(ctx context.Context, link string) (bool, error) {
	n, err := t.client.Incr(ctx, failKey(link)).Result()
	if err != nil {
		return false, fmt.Errorf("health: recording failure for %q: %w", link, err)
	}
	if n < int64(t.failLimit) {
		return false, nil
	}
	if err := t.client.Set(ctx, disabledKey(link), "1", 0).Err(); err != nil {
		return false, fmt.Errorf("health: disabling %q: %w", link, err)
	}
	return true, nil
}

// RecordSuccess clears the link's failure record entirely.
func (t *RedisTracker) RecordSuccess(ctx context.Context, link string) error {
	if err := t.client.Del(ctx, failKey(link), disabledKey(link)).Err(); err != nil {
		return fmt.Errorf("health: clearing %q: %w", link, err)
	}
	return nil
}

// IsDisabled reports whether the link is disabled.
func (t *RedisTracker) IsDisabled(ctx context.Context, link string) (bool, error) {
	n, err := t.client.Exists(ctx, disabledKey(link)).Result()
	if err != nil {
		return false, fmt.Errorf("health: checking %q: %w", link, err)
	}
	return n > 0, nil
}

// Reenable clears a disabled link.
func (t *RedisTracker) Reenable(ctx context.Context, link string) error {
	return t.RecordSuccess(ctx, link)
}

// Close closes the Redis connection.
func (t *RedisTracker) Close() error { return t.client.Close() }
