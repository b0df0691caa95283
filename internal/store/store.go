// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store persists comparison records: per-link-group collections of
// previously seen item identities, titles and custom comparison field
// values.
//
// Writes are idempotent upserts keyed by (collection, identity); the
// uniqueness constraint is the sole serialization mechanism, so duplicate
// concurrent writes from overlapping schedules or shards are safe without a
// lock.
package store

import (
	"context"
	"fmt"
)

// Entry is one seen item being written into a collection.
type Entry struct {
	Identity string            `json:"identity"`
	Title    string            `json:"title,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Record is the aggregate view of one collection: everything previously
// seen for a link group.
type Record struct {
	Identities map[string]bool
	Titles     map[string]bool
	// Fields maps a custom comparison field name to the set of values
	// recorded for it.
	Fields map[string]map[string]bool
}

// NewRecord returns an empty Record.
func NewRecord() *Record {
	return &Record{
		Identities: make(map[string]bool),
		Titles:     make(map[string]bool),
		Fields:     make(map[string]map[string]bool),
	}
}

// Empty reports whether the record has no identities, which means the
// collection has never been written (or was garbage-collected).
func (r *Record) Empty() bool { return len(r.Identities) == 0 }

// HasFieldValue reports whether value was previously recorded for field.
func (r *Record) HasFieldValue(field, value string) bool {
	return r.Fields[field][value]
}

func (r *Record) addFieldValue(field, value string) {
	if r.Fields[field] == nil {
		r.Fields[field] = make(map[string]bool)
	}
	r.Fields[field][value] = true
}

// Store is the persistence contract of the dedup engine.
type Store interface {
	// Find returns the comparison record of a collection. A collection that
	// was never written yields an empty record and no error.
	Find(ctx context.Context, key string) (*Record, error)
	// BulkUpsert inserts entries into a collection in one operation.
	// An entry whose identity already exists is left untouched.
	BulkUpsert(ctx context.Context, key string, entries []Entry) error
	// UpdateFields appends custom comparison field values to an already
	// stored entry, without inserting a fresh one.
	UpdateFields(ctx context.Context, key, identity string, fields map[string]string) error
	// ListKeys returns the keys of all collections.
	ListKeys(ctx context.Context) ([]string, error)
	// Drop removes whole collections. Used by garbage collection only.
	Drop(ctx context.Context, keys []string) error
	// Close closes the store and releases any resources.
	Close() error
}

// Error is a failure of a persistence operation. The cycle orchestrator
// treats it as link-scoped and never counts it toward a link's fetch
// failure limit.
type Error struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}
