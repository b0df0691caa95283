// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the [Store] interface,
// shared by all schedules and shards.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore and connects to the database.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, wrapErr("open", "", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS seen_items (
			collection TEXT NOT NULL,
			identity TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			fields JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, identity)
		);
	`); err != nil {
		pool.Close()
		return nil, wrapErr("open", "", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Find returns the comparison record of a collection.
func (s *PostgresStore) Find(ctx context.Context, key string) (*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity, title, fields FROM seen_items WHERE collection = $1;
	`, key)
	if err != nil {
		return nil, wrapErr("find", key, err)
	}
	defer rows.Close()

	rec := NewRecord()
	for rows.Next() {
		var identity, title string
		var fieldsJSON []byte
		if err := rows.Scan(&identity, &title, &fieldsJSON); err != nil {
			return nil, wrapErr("find", key, err)
		}
		if err := mergeRow(rec, identity, title, string(fieldsJSON)); err != nil {
			return nil, wrapErr("find", key, err)
		}
	}
	return rec, wrapErr("find", key, rows.Err())
}

// BulkUpsert inserts entries into a collection in one batched round-trip.
// The primary key makes duplicate concurrent writes idempotent.
func (s *PostgresStore) BulkUpsert(ctx context.Context, key string, entries []Entry) error {
	b := new(pgx.Batch)
	for _, e := range entries {
		fieldsJSON, err := marshalEntryFields(e.Fields)
		if err != nil {
			return wrapErr("bulk upsert", key, err)
		}
		b.Queue(`
			INSERT INTO seen_items (collection, identity, title, fields)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (collection, identity) DO NOTHING;
		`, key, e.Identity, e.Title, fieldsJSON)
	}
	return wrapErr("bulk upsert", key, s.pool.SendBatch(ctx, b).Close())
}

// UpdateFields appends custom comparison field values to a stored entry.
func (s *PostgresStore) UpdateFields(ctx context.Context, key, identity string, fields map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("update fields", key, err)
	}
	defer tx.Rollback(ctx)

	var fieldsJSON []byte
	err = tx.QueryRow(ctx, `
		SELECT fields FROM seen_items WHERE collection = $1 AND identity = $2 FOR UPDATE;
	`, key, identity).Scan(&fieldsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrapErr("update fields", key, err)
	}

	merged, err := mergeFieldsJSON(string(fieldsJSON), fields)
	if err != nil {
		return wrapErr("update fields", key, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE seen_items SET fields = $1 WHERE collection = $2 AND identity = $3;
	`, json.RawMessage(merged), key, identity); err != nil {
		return wrapErr("update fields", key, err)
	}
	return wrapErr("update fields", key, tx.Commit(ctx))
}

// ListKeys returns the keys of all collections.
func (s *PostgresStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT collection FROM seen_items;`)
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
func (s *PostgresStore) Drop(ctx context.Context, keys []string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM seen_items WHERE collection = ANY($1);`, keys)
	return wrapErr("drop", "", err)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
