// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package staging provides a copy-on-write kv.RwTx over a read-only kv.Tx:
// writes accumulate in memory instead of touching the backing store. This is
// the mechanism prepare_commit uses to compute a substore's new JMT root
// (which requires the full kv.RwTx surface, including cursors that see
// uncommitted writes) without durably writing anything until commit_batch
// later replays the staged operations inside a real transaction. It is the
// kv-level analogue of the app-level state overlay (internal/state): same
// copy-on-write idea, one layer further down the stack.
package staging

import (
	"context"
	"sort"

	"github.com/veilstate/veil/internal/kv"
)

// Op is one staged mutation, kept in insertion order per family so WriteBatch
// replay is deterministic and so later callers can inspect exactly what a
// prepared batch would do.
type Op struct {
	Key     []byte
	Value   []byte // nil => delete
	Deleted bool
}

// Staging accumulates writes against a base read-only snapshot transaction.
type Staging struct {
	base    kv.Tx
	staged  map[string]map[string][]byte
	deleted map[string]map[string]bool
	order   map[string][]string // insertion order of keys touched, per family
}

func New(base kv.Tx) *Staging {
	return &Staging{
		base:    base,
		staged:  make(map[string]map[string][]byte),
		deleted: make(map[string]map[string]bool),
		order:   make(map[string][]string),
	}
}

func (s *Staging) GetOne(ctx context.Context, family string, key []byte) ([]byte, bool, error) {
	if d, ok := s.deleted[family]; ok && d[string(key)] {
		return nil, false, nil
	}
	if m, ok := s.staged[family]; ok {
		if v, ok := m[string(key)]; ok {
			return v, true, nil
		}
	}
	return s.base.GetOne(ctx, family, key)
}

func (s *Staging) Put(ctx context.Context, family string, key, value []byte) error {
	if s.staged[family] == nil {
		s.staged[family] = make(map[string][]byte)
	}
	k := string(key)
	if _, already := s.staged[family][k]; !already {
		s.order[family] = append(s.order[family], k)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.staged[family][k] = cp
	if s.deleted[family] != nil {
		delete(s.deleted[family], k)
	}
	return nil
}

func (s *Staging) Delete(ctx context.Context, family string, key []byte) error {
	if s.deleted[family] == nil {
		s.deleted[family] = make(map[string]bool)
	}
	k := string(key)
	_, alreadyTouched := s.staged[family][k]
	if s.staged[family] != nil {
		delete(s.staged[family], k)
	}
	if _, alreadyDeleted := s.deleted[family][k]; !alreadyDeleted && !alreadyTouched {
		s.order[family] = append(s.order[family], k)
	}
	s.deleted[family][k] = true
	return nil
}

func (s *Staging) Commit(ctx context.Context) error { return nil }
func (s *Staging) Rollback()                        {}

// Cursor returns a cursor over the union of the base snapshot and this
// batch's pending writes, so the JMT builder's "existing sibling" lookups see
// the batch's own uncommitted writes. The merged key set is materialized
// once per Cursor call, same tradeoff memkv's cursor makes: simplicity over
// large-family iteration cost, acceptable at this engine's scale.
func (s *Staging) Cursor(ctx context.Context, family string) (kv.Cursor, error) {
	base, err := s.base.Cursor(ctx, family)
	if err != nil {
		return nil, err
	}
	defer base.Close()

	seen := make(map[string]bool)
	var keys []string
	k, _, ok, err := base.SeekGE(nil)
	for ok {
		if err != nil {
			return nil, err
		}
		if !seen[string(k)] {
			seen[string(k)] = true
			keys = append(keys, string(k))
		}
		k, _, ok, err = base.Next()
	}
	if err != nil {
		return nil, err
	}
	for k := range s.staged[family] {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	deleted := s.deleted[family]
	staged := s.staged[family]
	baseGet := func(k string) ([]byte, bool) {
		v, ok, _ := s.base.GetOne(ctx, family, []byte(k))
		return v, ok
	}
	get := func(k string) ([]byte, bool) {
		if deleted != nil && deleted[k] {
			return nil, false
		}
		if staged != nil {
			if v, ok := staged[k]; ok {
				return v, true
			}
		}
		return baseGet(k)
	}
	filtered := keys[:0:0]
	for _, k := range keys {
		if _, ok := get(k); ok {
			filtered = append(filtered, k)
		}
	}
	return &mergeCursor{keys: filtered, get: get, pos: -1}, nil
}

// Ops returns every staged mutation for family, in insertion order, for
// replay into a real write batch.
func (s *Staging) Ops(family string) []Op {
	keys := s.order[family]
	out := make([]Op, 0, len(keys))
	for _, k := range keys {
		if s.deleted[family] != nil && s.deleted[family][k] {
			out = append(out, Op{Key: []byte(k), Deleted: true})
			continue
		}
		if v, ok := s.staged[family][k]; ok {
			out = append(out, Op{Key: []byte(k), Value: v})
		}
	}
	return out
}

// Families lists every family with at least one staged mutation.
func (s *Staging) Families() []string {
	set := make(map[string]bool)
	for f := range s.staged {
		set[f] = true
	}
	for f := range s.deleted {
		set[f] = true
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

type mergeCursor struct {
	keys []string
	get  func(string) ([]byte, bool)
	pos  int
}

func (c *mergeCursor) at(i int) ([]byte, []byte, bool, error) {
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

func (c *mergeCursor) SeekGE(seek []byte) ([]byte, []byte, bool, error) {
	i := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= string(seek) })
	return c.at(i)
}

func (c *mergeCursor) SeekLE(seek []byte) ([]byte, []byte, bool, error) {
	i := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] > string(seek) })
	return c.at(i - 1)
}

func (c *mergeCursor) Next() ([]byte, []byte, bool, error) { return c.at(c.pos + 1) }
func (c *mergeCursor) Prev() ([]byte, []byte, bool, error) { return c.at(c.pos - 1) }
func (c *mergeCursor) Close()                              {}
