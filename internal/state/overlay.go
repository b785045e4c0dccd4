// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package state implements the copy-on-write overlay that sits between a
// committed internal/storage.Snapshot and the code producing a block's
// writes. Reads check the overlay's own unwritten changes first, then
// delegate down through parent overlays to the base snapshot, across the
// engine's per-substore verifiable + non-verifiable channels; an ephemeral
// typed object scratchpad and an event log are drained by the ABCI driver
// per transaction.
package state

import (
	"context"
	"sort"
	"strings"

	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/jmt"
	"github.com/veilstate/veil/internal/kv"
)

// StateRead is the read half of the state capability split. Both
// *storage.Snapshot and *Overlay implement it, so an Overlay can be
// layered on either one.
type StateRead interface {
	Get(ctx context.Context, substore, key string) ([]byte, bool, error)
	GetRaw(ctx context.Context, substore string, key []byte) ([]byte, bool, error)
	NonverifiableGet(ctx context.Context, substore string, key []byte) ([]byte, bool, error)
}

// StateWrite is the write half.
type StateWrite interface {
	Put(ctx context.Context, substore, key string, value []byte) error
	PutRaw(ctx context.Context, substore string, key, value []byte) error
	Delete(ctx context.Context, substore, key string) error
	NonverifiablePut(ctx context.Context, substore string, key, value []byte) error
	NonverifiableDelete(ctx context.Context, substore string, key []byte) error
}

// Event is one ABCI-reportable event recorded by a transaction's overlay.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Overlay wraps either a parent Overlay or a StateRead base (ordinarily a
// *storage.Snapshot) and records writes locally until Apply merges them
// downward. Overlays are single-threaded writers; the underlying snapshot
// remains safe for concurrent readers.
type Overlay struct {
	parentOverlay *Overlay
	base          StateRead // set only at the root, where parentOverlay is nil

	writes        map[string]map[string][]byte // substore -> key -> value (nil => tombstone)
	nonverifiable map[string]map[string][]byte
	objects       map[string]any
	events        []Event
}

// NewOverlay layers a new overlay over base, which may be a *storage.Snapshot
// (a fresh block-level overlay) or another *Overlay (a nested transaction
// overlay within a block).
func NewOverlay(base StateRead) *Overlay {
	o := &Overlay{
		writes:        make(map[string]map[string][]byte),
		nonverifiable: make(map[string]map[string][]byte),
		objects:       make(map[string]any),
	}
	if parent, ok := base.(*Overlay); ok {
		o.parentOverlay = parent
	} else {
		o.base = base
	}
	return o
}

// Reset clears this overlay's local writes, objects, and events while
// keeping its parent, so one Overlay can be reused across a block's
// transactions instead of reallocating for each one.
func (o *Overlay) Reset() {
	o.writes = make(map[string]map[string][]byte)
	o.nonverifiable = make(map[string]map[string][]byte)
	o.objects = make(map[string]any)
	o.events = nil
}

func (o *Overlay) localWrite(substore, key string) ([]byte, bool) {
	if m, ok := o.writes[substore]; ok {
		if v, ok := m[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Get reads key in substore: this overlay's own unwritten changes first,
// then the parent overlay or base snapshot.
func (o *Overlay) Get(ctx context.Context, substore, key string) ([]byte, bool, error) {
	if v, ok := o.localWrite(substore, key); ok {
		return v, v != nil, nil
	}
	if o.parentOverlay != nil {
		return o.parentOverlay.Get(ctx, substore, key)
	}
	return o.base.Get(ctx, substore, key)
}

// GetRaw is Get for raw (non-UTF8) key bytes.
func (o *Overlay) GetRaw(ctx context.Context, substore string, key []byte) ([]byte, bool, error) {
	return o.Get(ctx, substore, string(key))
}

// Put records a write locally. A nil value is stored as a present empty
// value, not a tombstone; use Delete for removals.
func (o *Overlay) Put(ctx context.Context, substore, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if o.writes[substore] == nil {
		o.writes[substore] = make(map[string][]byte)
	}
	o.writes[substore][key] = value
	return nil
}

func (o *Overlay) PutRaw(ctx context.Context, substore string, key, value []byte) error {
	return o.Put(ctx, substore, string(key), value)
}

// Delete records a tombstone locally.
func (o *Overlay) Delete(ctx context.Context, substore, key string) error {
	if o.writes[substore] == nil {
		o.writes[substore] = make(map[string][]byte)
	}
	o.writes[substore][key] = nil
	return nil
}

func (o *Overlay) localNonverifiable(substore, key string) ([]byte, bool) {
	if m, ok := o.nonverifiable[substore]; ok {
		if v, ok := m[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// NonverifiableGet reads from the non-verifiable (non-Merkleized) channel.
func (o *Overlay) NonverifiableGet(ctx context.Context, substore string, key []byte) ([]byte, bool, error) {
	if v, ok := o.localNonverifiable(substore, string(key)); ok {
		return v, v != nil, nil
	}
	if o.parentOverlay != nil {
		return o.parentOverlay.NonverifiableGet(ctx, substore, key)
	}
	return o.base.NonverifiableGet(ctx, substore, key)
}

// NonverifiablePut writes to the non-verifiable channel.
func (o *Overlay) NonverifiablePut(ctx context.Context, substore string, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if o.nonverifiable[substore] == nil {
		o.nonverifiable[substore] = make(map[string][]byte)
	}
	o.nonverifiable[substore][string(key)] = value
	return nil
}

// NonverifiableDelete tombstones a non-verifiable key.
func (o *Overlay) NonverifiableDelete(ctx context.Context, substore string, key []byte) error {
	if o.nonverifiable[substore] == nil {
		o.nonverifiable[substore] = make(map[string][]byte)
	}
	o.nonverifiable[substore][string(key)] = nil
	return nil
}

// PrefixReader is implemented by a base StateRead (ordinarily a
// *storage.Snapshot) that can list its own non-verifiable keys by prefix.
// Overlay.NonverifiablePrefixRaw merges this against its own uncommitted
// writes so callers like the DEX price index see a consistent view without
// caring whether they're reading through a block-level overlay, a nested
// transaction overlay, or straight off a snapshot.
type PrefixReader interface {
	NonverifiablePrefixRaw(ctx context.Context, substore string, prefix []byte) ([]kv.KVPair, error)
}

// NonverifiablePrefixRaw lists every non-verifiable key starting with
// prefix in substore, overlaying this overlay's own uncommitted writes
// (including tombstones) on top of the parent overlay's or base snapshot's
// view.
func (o *Overlay) NonverifiablePrefixRaw(ctx context.Context, substore string, prefix []byte) ([]kv.KVPair, error) {
	var base []kv.KVPair
	var err error
	if o.parentOverlay != nil {
		base, err = o.parentOverlay.NonverifiablePrefixRaw(ctx, substore, prefix)
	} else if pr, ok := o.base.(PrefixReader); ok {
		base, err = pr.NonverifiablePrefixRaw(ctx, substore, prefix)
	}
	if err != nil {
		return nil, err
	}

	merged := make(map[string][]byte, len(base))
	for _, kvp := range base {
		merged[string(kvp.Key)] = kvp.Value
	}
	if m, ok := o.nonverifiable[substore]; ok {
		for k, v := range m {
			if !strings.HasPrefix(k, string(prefix)) {
				continue
			}
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kv.KVPair, len(keys))
	for i, k := range keys {
		out[i] = kv.KVPair{Key: []byte(k), Value: merged[k]}
	}
	return out, nil
}

// ObjectGet reads the ephemeral typed scratchpad, never persisted and
// cleared on Reset/at commit.
func (o *Overlay) ObjectGet(key string) (any, bool) {
	v, ok := o.objects[key]
	return v, ok
}

// ObjectPut writes the ephemeral scratchpad.
func (o *Overlay) ObjectPut(key string, value any) {
	o.objects[key] = value
}

// RecordEvent accumulates one ABCI-reportable event.
func (o *Overlay) RecordEvent(e Event) {
	o.events = append(o.events, e)
}

// Events returns every event recorded on this overlay (not its parent's).
func (o *Overlay) Events() []Event {
	return o.events
}

// Apply merges this overlay's writes, non-verifiable writes, and events
// into its parent overlay. It is a no-op at the root (an overlay rooted
// directly on a Snapshot): the root overlay is itself handed to
// storage.PrepareCommit, which reads the flattened deltas straight off it
// via the Changes/Substores methods below, so there is no further "parent"
// to merge into.
func (o *Overlay) Apply() error {
	if o.parentOverlay == nil {
		return nil
	}
	for substore, kvs := range o.writes {
		for k, v := range kvs {
			if o.parentOverlay.writes[substore] == nil {
				o.parentOverlay.writes[substore] = make(map[string][]byte)
			}
			o.parentOverlay.writes[substore][k] = v
		}
	}
	for substore, kvs := range o.nonverifiable {
		for k, v := range kvs {
			if o.parentOverlay.nonverifiable[substore] == nil {
				o.parentOverlay.nonverifiable[substore] = make(map[string][]byte)
			}
			o.parentOverlay.nonverifiable[substore][k] = v
		}
	}
	o.parentOverlay.events = append(o.parentOverlay.events, o.events...)
	return nil
}

// Changes implements storage.Overlay for a fully-merged (typically
// block-level root) overlay: one jmt.Change per touched key in substore,
// with the preimage needed to maintain the forward/reverse key index.
func (o *Overlay) Changes(substore string) ([]jmt.Change, map[[32]byte][]byte) {
	kvs, ok := o.writes[substore]
	if !ok {
		return nil, nil
	}
	changes := make([]jmt.Change, 0, len(kvs))
	preimages := make(map[[32]byte][]byte, len(kvs))
	for k, v := range kvs {
		kh := hashutil.HashValue([]byte(k)).Bytes()
		changes = append(changes, jmt.Change{KeyHash: kh, Value: v})
		preimages[kh] = []byte(k)
	}
	return changes, preimages
}

// Substores lists every substore with at least one verifiable write.
func (o *Overlay) Substores() []string {
	names := make([]string, 0, len(o.writes))
	for n := range o.writes {
		names = append(names, n)
	}
	return names
}

// NonverifiableChanges returns substore's raw sidecar writes.
func (o *Overlay) NonverifiableChanges(substore string) map[string][]byte {
	return o.nonverifiable[substore]
}

// NonverifiableSubstores lists every substore with a sidecar write.
func (o *Overlay) NonverifiableSubstores() []string {
	names := make([]string, 0, len(o.nonverifiable))
	for n := range o.nonverifiable {
		names = append(names, n)
	}
	return names
}
