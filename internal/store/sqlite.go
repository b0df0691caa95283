// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/tailscale/sqlite"
)

// SQLiteStore is a SQLite implementation of the [Store] interface.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new [SQLiteStore] and connects to the database.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapErr("open", dsn, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return nil, wrapErr("open", dsn, err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seen_items (
			collection TEXT NOT NULL,
			identity TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			fields TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (collection, identity)
		);
	`); err != nil {
		return nil, wrapErr("open", dsn, err)
	}

	return &SQLiteStore{db: db}, nil
}

// Find returns the comparison record of a collection.
func (s *SQLiteStore) Find(ctx context.Context, key string) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, title, fields FROM seen_items WHERE collection = ?;
	`, key)
	if err != nil {
		return nil, wrapErr("find", key, err)
	}
	defer rows.Close()

	rec := NewRecord()
	for rows.Next() {
		var identity, title, fieldsJSON string
		if err := rows.Scan(&identity, &title, &fieldsJSON); err != nil {
			return nil, wrapErr("find", key, err)
		}
		if err := mergeRow(rec, identity, title, fieldsJSON); err != nil {
			return nil, wrapErr("find", key, err)
		}
	}
	return rec, wrapErr("find", key, rows.Err())
}

func mergeRow(rec *Record, identity, title, fieldsJSON string) error {
	rec.Identities[identity] = true
	if title != "" {
		rec.Titles[title] = true
	}
	var fields map[string][]string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return err
	}
	for field, values := range fields {
		for _, v := range values {
			rec.addFieldValue(field, v)
		}
	}
	return nil
}

// BulkUpsert inserts entries into a collection in one transaction. Entries
// whose identity already exists are left untouched, which makes concurrent
// duplicate writes safe.
func (s *SQLiteStore) BulkUpsert(ctx context.Context, key string, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("bulk upsert", key, err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, e := range entries {
		fieldsJSON, err := marshalEntryFields(e.Fields)
		if err != nil {
			return wrapErr("bulk upsert", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO seen_items (collection, identity, title, fields, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (collection, identity) DO NOTHING;
		`, key, e.Identity, e.Title, fieldsJSON, now); err != nil {
			return wrapErr("bulk upsert", key, err)
		}
	}
	return wrapErr("bulk upsert", key, tx.Commit())
}

func marshalEntryFields(fields map[string]string) (string, error) {
	stored := make(map[string][]string, len(fields))
	for field, value := range fields {
		stored[field] = []string{value}
	}
	b, err := json.Marshal(stored)
	return string(b), err
}

// UpdateFields appends custom comparison field values to a stored entry.
func (s *SQLiteStore) UpdateFields(ctx context.Context, key, identity string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("update fields", key, err)
	}
	defer tx.Rollback()

	var fieldsJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT fields FROM seen_items WHERE collection = ? AND identity = ?;
	`, key, identity).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return wrapErr("update fields", key, err)
	}

	merged, err := mergeFieldsJSON(fieldsJSON, fields)
	if err != nil {
		return wrapErr("update fields", key, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE seen_items SET fields = ? WHERE collection = ? AND identity = ?;
	`, merged, key, identity); err != nil {
		return wrapErr("update fields", key, err)
	}
	return wrapErr("update fields", key, tx.Commit())
}

func mergeFieldsJSON(fieldsJSON string, add map[string]string) (string, error) {
	var stored map[string][]string
	if err := json.Unmarshal([]byte(fieldsJSON), &stored); err != nil {
		return "", err
	}
	if stored == nil {
		stored = make(map[string][]string)
	}
	for field, value := range add {
		var seen bool
		for _, v := range stored[field] {
			if v == value {
				seen = true
				break
			}
		}
		if !seen {
			stored[field] = append(stored[field], value)
		}
	}
	b, err := json.Marshal(stored)
	return string(b), err
}

// ListKeys returns the keys of all collections.
func (s *SQLiteStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM seen_items;`)
	if err != nil {
		return nil, wrapErr("list keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapErr("list keys", "", err)
		}
		keys = append(keys, key)
	}
	return keys, wrapErr("list keys", "", rows.Err())
}

// Drop removes whole collections.
func (s *SQLiteStore) Drop(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("drop", "", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM seen_items WHERE collection = ?;`, key); err != nil {
			return wrapErr("drop", key, err)
		}
	}
	return wrapErr("drop", "", tx.Commit())
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }
