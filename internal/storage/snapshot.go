// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"context"
	"fmt"

	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/jmt"
	"github.com/veilstate/veil/internal/kv"
)

// Snapshot is an immutable (version, root) handle: every read method opens
// its own short-lived transaction against the backing db, so a Snapshot
// itself never pins a live transaction open: it is just an immutable
// (version, db) handle.
type Snapshot struct {
	storage     *Storage
	rootVersion uint64
	versions    map[string]uint64
	globalRoot  hashutil.Hash
	roots       map[string]hashutil.Hash
}

// Version returns the root substore's version this snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.rootVersion }

// Root returns the global root hash: the root substore's own JMT root,
// which commits to every named substore's root.
func (s *Snapshot) Root() hashutil.Hash { return s.globalRoot }

// SubstoreRoot returns one named substore's root as of this snapshot.
func (s *Snapshot) SubstoreRoot(name string) (hashutil.Hash, bool) {
	h, ok := s.roots[name]
	return h, ok
}

func (s *Snapshot) substore(name string) (*substore, uint64, error) {
	sub, ok := s.storage.subs[name]
	if !ok {
		return nil, 0, fmt.Errorf("storage: unknown substore %q", name)
	}
	return sub, s.versions[name], nil
}

// Get reads key's verifiable value in substore as of this snapshot, or
// ok=false if absent.
func (s *Snapshot) Get(ctx context.Context, substore, key string) ([]byte, bool, error) {
	return s.GetRaw(ctx, substore, []byte(key))
}

// GetRaw is Get without the string convenience, for callers with raw key
// bytes (e.g. binary-encoded index keys).
func (s *Snapshot) GetRaw(ctx context.Context, substoreName string, key []byte) ([]byte, bool, error) {
	sub, version, err := s.substore(substoreName)
	if err != nil {
		return nil, false, err
	}
	keyHash := hashutil.HashValue(key).Bytes()
	var value []byte
	var ok bool
	err = s.storage.db.View(ctx, func(tx kv.Tx) error {
		var err error
		value, ok, err = sub.tree.GetAsOf(ctx, tx, keyHash, version)
		return err
	})
	return value, ok, err
}

// KV is one key/value pair returned by PrefixRaw/NonverifiablePrefixRaw, an
// alias of kv.KVPair so internal/state can merge overlay writes on top of a
// Snapshot's prefix scan without storage importing the state package.
type KV = kv.KVPair

// PrefixRaw lists every key in substore whose preimage starts with prefix,
// with its current value. It only reflects the latest committed state: the
// forward key index (jmt-keys) is not itself versioned, so prefix iteration
// over a historical snapshot older than the latest is not supported (see
// DESIGN.md); callers needing historical existence should use GetRaw, which
// is fully versioned.
func (s *Snapshot) PrefixRaw(ctx context.Context, substoreName string, prefix []byte) ([]KV, error) {
	sub, version, err := s.substore(substoreName)
	if err != nil {
		return nil, err
	}
	if s.storage.LatestSnapshot() != s {
		return nil, fmt.Errorf("storage: PrefixRaw is only supported against the latest snapshot")
	}

	var out []KV
	err = s.storage.db.View(ctx, func(tx kv.Tx) error {
		cur, err := tx.Cursor(ctx, sub.keysFamily)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, v, ok, err := cur.SeekGE(prefix)
		for ok {
			if err != nil {
				return err
			}
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			var keyHash [32]byte
			copy(keyHash[:], v)
			value, present, err := sub.tree.GetAsOf(ctx, tx, keyHash, version)
			if err != nil {
				return err
			}
			if present {
				out = append(out, KV{Key: append([]byte(nil), k...), Value: value})
			}
			k, v, ok, err = cur.Next()
		}
		return err
	})
	return out, err
}

// GetWithProof returns key's value together with a native JMT proof
// against this snapshot's substore root.
func (s *Snapshot) GetWithProof(ctx context.Context, substoreName string, key []byte) ([]byte, jmt.Proof, error) {
	sub, version, err := s.substore(substoreName)
	if err != nil {
		return nil, jmt.Proof{}, err
	}
	keyHash := hashutil.HashValue(key).Bytes()
	var value []byte
	var present bool
	var proof jmt.Proof
	err = s.storage.db.View(ctx, func(tx kv.Tx) error {
		var err error
		value, present, err = sub.tree.GetAsOf(ctx, tx, keyHash, version)
		if err != nil {
			return err
		}
		proof, err = sub.tree.Prove(ctx, tx, keyHash, version)
		return err
	})
	if err != nil {
		return nil, jmt.Proof{}, err
	}
	if !present {
		return nil, proof, nil
	}
	return value, proof, nil
}

// NonverifiablePrefixRaw lists every raw sidecar key in substore starting
// with prefix, as of this snapshot. Unlike PrefixRaw, the nonverifiable
// family stores keys directly (no key-hash indirection), so this works
// against any snapshot, not only the latest one: it has always reflected a
// plain versionless map, so there's no stale-index concern the way
// PrefixRaw's forward-key-index limitation documents.
func (s *Snapshot) NonverifiablePrefixRaw(ctx context.Context, substoreName string, prefix []byte) ([]KV, error) {
	sub, _, err := s.substore(substoreName)
	if err != nil {
		return nil, err
	}
	var out []KV
	err = s.storage.db.View(ctx, func(tx kv.Tx) error {
		cur, err := tx.Cursor(ctx, sub.nonverifiable)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, v, ok, err := cur.SeekGE(prefix)
		for ok {
			if err != nil {
				return err
			}
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
			k, v, ok, err = cur.Next()
		}
		return err
	})
	return out, err
}

// NonverifiableGet reads a raw sidecar value, bypassing the JMT entirely.
func (s *Snapshot) NonverifiableGet(ctx context.Context, substoreName string, key []byte) ([]byte, bool, error) {
	sub, _, err := s.substore(substoreName)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	var ok bool
	err = s.storage.db.View(ctx, func(tx kv.Tx) error {
		var err error
		value, ok, err = tx.GetOne(ctx, sub.nonverifiable, key)
		return err
	})
	return value, ok, err
}
