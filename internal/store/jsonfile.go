// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"io/fs"
	"slices"

	"crawshaw.dev/jsonfile"
)

// JSONFile is a file-backed implementation of the [Store] interface for
// single-process deployments.
type JSONFile struct {
	f *jsonfile.JSONFile[jsonStore]
}

type jsonStore struct {
	// Collections maps collection key → identity → stored entry.
	Collections map[string]map[string]jsonEntry `json:"collections"`
}

type jsonEntry struct {
	Title  string              `json:"title,omitempty"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// NewJSONFile creates a new [JSONFile] backed by the file at path.
func NewJSONFile(path string) (*JSONFile, error) {
	f, err := jsonfile.Load[jsonStore](path)
	if errors.Is(err, fs.ErrNotExist) {
		f, err = jsonfile.New[jsonStore](path)
		if err == nil {
			err = f.Write(func(js *jsonStore) error {
				js.Collections = make(map[string]map[string]jsonEntry)
				return nil
			})
		}
	}
	if err != nil {
		return nil, wrapErr("open", path, err)
	}
	return &JSONFile{f: f}, nil
}

// Find returns the comparison record of a collection.
func (s *JSONFile) Find(_ context.Context, key string) (*Record, error) {
	rec := NewRecord()
	s.f.Read(func(js *jsonStore) {
		for identity, e := range js.Collections[key] {
			rec.Identities[identity] = true
			if e.Title != "" {
				rec.Titles[e.Title] = true
			}
			for field, values := range e.Fields {
				for _, v := range values {
					rec.addFieldValue(field, v)
				}
			}
		}
	})
	return rec, nil
}

// BulkUpsert inserts entries into a collection in one operation.
func (s *JSONFile) BulkUpsert(_ context.Context, key string, entries []Entry) error {
	return wrapErr("bulk upsert", key, s.f.Write(func(js *jsonStore) error {
		if js.Collections == nil {
			js.Collections = make(map[string]map[string]jsonEntry)
		}
		col := js.Collections[key]
		if col == nil {
			col = make(map[string]jsonEntry)
			js.Collections[key] = col
		}
		for _, e := range entries {
			if _, exists := col[e.Identity]; exists {
				continue
			}
			je := jsonEntry{Title: e.Title}
			if len(e.Fields) > 0 {
				je.Fields = make(map[string][]string, len(e.Fields))
				for field, value := range e.Fields {
					je.Fields[field] = []string{value}
				}
			}
			col[e.Identity] = je
		}
		return nil
	}))
}

// UpdateFields appends custom comparison field values to a stored entry.
func (s *JSONFile) UpdateFields(_ context.Context, key, identity string, fields map[string]string) error {
	return wrapErr("update fields", key, s.f.Write(func(js *jsonStore) error {
		e, ok := js.Collections[key][identity]
		if !ok {
			return nil
		}
		if e.Fields == nil {
			e.Fields = make(map[string][]string)
		}
		for field, value := range fields {
			if !slices.Contains(e.Fields[field], value) {
				e.Fields[field] = append(e.Fields[field], value)
			}
		}
		js.Collections[key][identity] = e
		return nil
	}))
}

// ListKeys returns the keys of all collections.
func (s *JSONFile) ListKeys(context.Context) ([]string, error) {
	var keys []string
	s.f.Read(func(js *jsonStore) {
		for key := range js.Collections {
			keys = append(keys, key)
		}
	})
	return keys, nil
}

// Drop removes whole collections.
func (s *JSONFile) Drop(_ context.Context, keys []string) error {
	return wrapErr("drop", "", s.f.Write(func(js *jsonStore) error {
		for _, key := range keys {
			delete(js.Collections, key)
		}
		return nil
	}))
}

// Close closes the file store.
func (s *JSONFile) Close() error { return nil }
