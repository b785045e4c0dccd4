// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package memkv is an in-memory kv.DB used by the engine's test suite, so
// state-transition logic can be exercised without a live MDBX file.
// Ordering and prefix-seek semantics match the mdbx backend exactly so
// tests written against memkv exercise the same contract production code
// relies on.
package memkv

import (
	"context"
	"sort"
	"sync"

	"github.com/veilstate/veil/internal/kv"
)

type DB struct {
	mu        sync.Mutex
	families  map[string]map[string][]byte
	globalMu  sync.RWMutex
	commitSeq uint64
}

func New() *DB {
	return &DB{families: make(map[string]map[string][]byte)}
}

func (db *DB) EnsureFamilies(_ context.Context, families []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, f := range families {
		if _, ok := db.families[f]; !ok {
			db.families[f] = make(map[string][]byte)
		}
	}
	return nil
}

func (db *DB) familyFor(name string) map[string][]byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, ok := db.families[name]
	if !ok {
		f = make(map[string][]byte)
		db.families[name] = f
	}
	return f
}

func (db *DB) View(ctx context.Context, fn func(kv.Tx) error) error {
	db.globalMu.RLock()
	defer db.globalMu.RUnlock()
	return fn(&tx{db: db})
}

func (db *DB) Update(ctx context.Context, fn func(kv.RwTx) error) error {
	db.globalMu.Lock()
	defer db.globalMu.Unlock()
	t := &tx{db: db, writable: true, staged: make(map[string]map[string][]byte), deleted: make(map[string]map[string]bool)}
	if err := fn(t); err != nil {
		return err
	}
	t.apply()
	return nil
}

func (db *DB) Close() error { return nil }

type tx struct {
	db       *DB
	writable bool
	staged   map[string]map[string][]byte
	deleted  map[string]map[string]bool
}

func (t *tx) GetOne(_ context.Context, family string, key []byte) ([]byte, bool, error) {
	if t.writable {
		if s, ok := t.staged[family]; ok {
			if v, ok := s[string(key)]; ok {
				return v, true, nil
			}
		}
		if d, ok := t.deleted[family]; ok && d[string(key)] {
			return nil, false, nil
		}
	}
	f := t.db.familyFor(family)
	v, ok := f[string(key)]
	return v, ok, nil
}

func (t *tx) Put(_ context.Context, family string, key, value []byte) error {
	if t.staged[family] == nil {
		t.staged[family] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	t.staged[family][string(key)] = cp
	if t.deleted[family] != nil {
		delete(t.deleted[family], string(key))
	}
	return nil
}

func (t *tx) Delete(_ context.Context, family string, key []byte) error {
	if t.deleted[family] == nil {
		t.deleted[family] = make(map[string]bool)
	}
	t.deleted[family][string(key)] = true
	if t.staged[family] != nil {
		delete(t.staged[family], string(key))
	}
	return nil
}

func (t *tx) apply() {
	for family, kvs := range t.staged {
		f := t.db.familyFor(family)
		for k, v := range kvs {
			f[k] = v
		}
	}
	for family, ks := range t.deleted {
		f := t.db.familyFor(family)
		for k := range ks {
			delete(f, k)
		}
	}
}

func (t *tx) Commit(context.Context) error { return nil }
func (t *tx) Rollback()                    {}

func (t *tx) Cursor(_ context.Context, family string) (kv.Cursor, error) {
	f := t.db.familyFor(family)
	keys := make([]string, 0, len(f))
	for k := range f {
		// Staged writes in the current (uncommitted) tx are visible to its
		// own cursors, same as a real MDBX write transaction reading its own
		// writes.
		keys = append(keys, k)
	}
	if t.writable {
		if s, ok := t.staged[family]; ok {
			for k := range s {
				if _, already := f[k]; !already {
					keys = append(keys, k)
				}
			}
		}
	}
	sort.Strings(keys)
	get := func(k string) ([]byte, bool) {
		if t.writable {
			if d, ok := t.deleted[family]; ok && d[k] {
				return nil, false
			}
			if s, ok := t.staged[family]; ok {
				if v, ok := s[k]; ok {
					return v, true
				}
			}
		}
		v, ok := f[k]
		return v, ok
	}
	filtered := keys[:0:0]
	for _, k := range keys {
		if _, ok := get(k); ok {
			filtered = append(filtered, k)
		}
	}
	return &memCursor{keys: filtered, get: get, pos: -1}, nil
}

type memCursor struct {
	keys []string
	get  func(string) ([]byte, bool)
	pos  int
}

func (c *memCursor) at(i int) ([]byte, []byte, bool, error) {
	if i < 0 || i >= len(c.keys) {
		return nil, nil, false, nil
	}
	v, ok := c.get(c.keys[i])
	if !ok {
		return nil, nil, false, nil
	}
	c.pos = i
	return []byte(c.keys[i]), v, true, nil
}

func (c *memCursor) SeekGE(seek []byte) ([]byte, []byte, bool, error) {
	i := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= string(seek) })
	return c.at(i)
}

func (c *memCursor) SeekLE(seek []byte) ([]byte, []byte, bool, error) {
	i := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] > string(seek) })
	return c.at(i - 1)
}

func (c *memCursor) Next() ([]byte, []byte, bool, error) { return c.at(c.pos + 1) }
func (c *memCursor) Prev() ([]byte, []byte, bool, error) { return c.at(c.pos - 1) }
func (c *memCursor) Close()                              {}
