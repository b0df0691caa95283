// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"

	"github.com/feedwarden/feedwarden/internal/syncx"
)

// MemStore is an in-memory implementation of the [Store] interface, used in
// tests and dry runs.
type MemStore struct {
	collections *syncx.Protected[map[string]map[string]*memEntry]
}

type memEntry struct {
	title  string
	fields map[string]map[string]bool
}

// NewMemStore creates a new MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		collections: syncx.Protect(make(map[string]map[string]*memEntry)),
	}
}

// Find returns the comparison record of a collection.
func (s *MemStore) Find(_ context.Context, key string) (*Record, error) {
	rec := NewRecord()
	s.collections.ReadAccess(func(c map[string]map[string]*memEntry) {
		for identity, e := range c[key] {
			rec.Identities[identity] = true
			if e.title != "" {
				rec.Titles[e.title] = true
			}
			for field, values := range e.fields {
				for v := range values {
					rec.addFieldValue(field, v)
				}
			}
		}
	})
	return rec, nil
}

// BulkUpsert inserts entries into a collection in one operation.
func (s *MemStore) BulkUpsert(_ context.Context, key string, entries []Entry) error {
	s.collections.WriteAccess(func(c map[string]map[string]*memEntry) {
		col := c[key]
		if col == nil {
			col = make(map[string]*memEntry)
			c[key] = col
		}
		for _, e := range entries {
			if _, exists := col[e.Identity]; exists {
				continue
			}
			me := &memEntry{title: e.Title, fields: make(map[string]map[string]bool)}
			for field, value := range e.Fields {
				me.fields[field] = map[string]bool{value: true}
			}
			col[e.Identity] = me
		}
	})
	return nil
}

// UpdateFields appends custom comparison field values to a stored entry.
func (s *MemStore) UpdateFields(_ context.Context, key, identity string, fields map[string]string) error {
	s.collections.WriteAccess(func(c map[string]map[string]*memEntry) {
		e, ok := c[key][identity]
		if !ok {
			return
		}
		for field, value := range fields {
			if e.fields[field] == nil {
				e.fields[field] = make(map[string]bool)
			}
			e.fields[field][value] = true
		}
	})
	return nil
}

// ListKeys returns the keys of all collections.
func (s *MemStore) ListKeys(context.Context) ([]string, error) {
	var keys []string
	s.collections.ReadAccess(func(c map[string]map[string]*memEntry) {
		for key := range c {
			keys = append(keys, key)
		}
	})
	return keys, nil
}

// Drop removes whole collections.
func (s *MemStore) Drop(_ context.Context, keys []string) error {
	s.collections.WriteAccess(func(c map[string]map[string]*memEntry) {
		for _, key := range keys {
			delete(c, key)
		}
	})
	return nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }
