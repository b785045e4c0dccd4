// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package kv defines the minimal key-value transaction surface the storage
// engine needs: per-column-family get/put/delete and ordered prefix
// iteration. The Tx/RwTx/Cursor split keeps read and write capabilities
// explicit, across an arbitrary set of named column families instead of a
// single flat bucket namespace, since the storage engine opens five families per
// substore (see internal/kvtypes).
package kv

import "context"

// KVPair is one key/value pair returned by a prefix scan, shared between
// internal/storage (verifiable and non-verifiable prefix reads) and
// internal/state (overlay reads merged on top of them) so the two packages
// can agree on a prefix-scan contract without storage importing state.
type KVPair struct {
	Key   []byte
	Value []byte
}

// Tx is a read-only transaction over one or more column families.
type Tx interface {
	// GetOne returns the value stored at key in family, or (nil, false) if
	// absent. It never returns an error for a missing key; only for I/O
	// failure.
	GetOne(ctx context.Context, family string, key []byte) (value []byte, ok bool, err error)

	// Cursor opens a forward-iterable cursor over family.
	Cursor(ctx context.Context, family string) (Cursor, error)

	// Rollback releases the transaction's resources. Safe to call after
	// Commit on an RwTx; a no-op on an already-released Tx.
	Rollback()
}

// RwTx is a read-write transaction.
type RwTx interface {
	Tx

	Put(ctx context.Context, family string, key, value []byte) error
	Delete(ctx context.Context, family string, key []byte) error

	// Commit durably applies the transaction's writes.
	Commit(ctx context.Context) error
}

// Cursor iterates a column family in key order.
type Cursor interface {
	// SeekLE positions the cursor at the largest key <= seek and returns it,
	// or ok=false if no such key exists. This is the JMT value-read
	// primitive: "seek in jmt-values to the largest composite key <=
	// key_hash||BE(version)".
	SeekLE(seek []byte) (key, value []byte, ok bool, err error)

	// SeekGE positions the cursor at the smallest key >= seek.
	SeekGE(seek []byte) (key, value []byte, ok bool, err error)

	// Next advances the cursor and returns the next key/value, or ok=false
	// at the end of the family.
	Next() (key, value []byte, ok bool, err error)

	// Prev moves the cursor backward.
	Prev() (key, value []byte, ok bool, err error)

	Close()
}

// DB is a handle to the backing store: it opens column families on first use
// and begins transactions against them.
type DB interface {
	// View runs fn against a new read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn against a new read-write transaction, committing on a
	// nil return and rolling back otherwise.
	Update(ctx context.Context, fn func(tx RwTx) error) error

	// EnsureFamilies opens (creating if absent) every named column family.
	EnsureFamilies(ctx context.Context, families []string) error

	Close() error
}
