// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package jmt

import (
	"context"
	"fmt"
	"sort"

	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/kv"
)

// Change describes one key's update within a batch: Value == nil means the
// key is deleted (a tombstone).
type Change struct {
	KeyHash [32]byte
	Value   []byte // nil => delete
}

// Tree operates the jmt/jmt-values/jmt-keys/jmt-keys-by-keyhash families for
// one substore.
type Tree struct {
	jmtFamily        string
	valuesFamily     string
	keysFamily       string
	keysByHashFamily string
}

func New(jmtFamily, valuesFamily, keysFamily, keysByHashFamily string) *Tree {
	return &Tree{
		jmtFamily:        jmtFamily,
		valuesFamily:     valuesFamily,
		keysFamily:       keysFamily,
		keysByHashFamily: keysByHashFamily,
	}
}

// valueSlot is the tombstone-aware encoding stored in jmt-values: a present
// value is a 1 byte tag followed by the raw value bytes, a tombstone is a
// single 0 byte: a minimal two-case option encoding.
func encodeValueSlot(value []byte) []byte {
	if value == nil {
		return []byte{0}
	}
	out := make([]byte, 1+len(value))
	out[0] = 1
	copy(out[1:], value)
	return out
}

func decodeValueSlot(slot []byte) (value []byte, present bool) {
	if len(slot) == 0 || slot[0] == 0 {
		return nil, false
	}
	return slot[1:], true
}

// GetAsOf reads the value stored at keyHash at or before version: seek to
// the largest composite key <= key_hash||BE(version); if the prefix matches
// key_hash, decode the slot.
func (t *Tree) GetAsOf(ctx context.Context, tx kv.Tx, keyHash [32]byte, version uint64) ([]byte, bool, error) {
	cur, err := tx.Cursor(ctx, t.valuesFamily)
	if err != nil {
		return nil, false, err
	}
	defer cur.Close()

	seek := make([]byte, 32+8)
	copy(seek, keyHash[:])
	putBE(seek[32:], version)

	k, v, ok, err := cur.SeekLE(seek)
	if err != nil || !ok {
		return nil, false, err
	}
	if len(k) < 32 || string(k[:32]) != string(keyHash[:]) {
		return nil, false, nil
	}
	value, present := decodeValueSlot(v)
	if !present {
		return nil, false, nil
	}
	return value, true, nil
}

// GetKeyPreimage resolves a key hash back to the original key bytes via the
// reverse index, used to serve iteration/inspection tooling.
func (t *Tree) GetKeyPreimage(ctx context.Context, tx kv.Tx, keyHash [32]byte) ([]byte, bool, error) {
	return tx.GetOne(ctx, t.keysByHashFamily, keyHash[:])
}

func putBE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Apply writes a batch of changes at newVersion, maintaining the two-way
// key index and the versioned value store, then recomputes and persists the
// JMT nodes along every affected path. It returns the substore's new root
// hash. baseVersion is the substore's version before this batch (used to
// look up untouched siblings at their last-written version).
func (t *Tree) Apply(ctx context.Context, tx kv.RwTx, baseVersion, newVersion uint64, changes []Change, keyPreimages map[[32]byte][]byte) (hashutil.Hash, error) {
	// 1. Maintain jmt-keys / jmt-keys-by-keyhash and jmt-values.
	for _, c := range changes {
		if c.Value == nil {
			if preimage, ok := keyPreimages[c.KeyHash]; ok {
				if err := tx.Delete(ctx, t.keysFamily, preimage); err != nil {
					return hashutil.Hash{}, err
				}
			}
			if err := tx.Delete(ctx, t.keysByHashFamily, c.KeyHash[:]); err != nil {
				return hashutil.Hash{}, err
			}
		} else if preimage, ok := keyPreimages[c.KeyHash]; ok {
			if err := tx.Put(ctx, t.keysFamily, preimage, c.KeyHash[:]); err != nil {
				return hashutil.Hash{}, err
			}
			if err := tx.Put(ctx, t.keysByHashFamily, c.KeyHash[:], preimage); err != nil {
				return hashutil.Hash{}, err
			}
		}
		vk := make([]byte, 32+8)
		copy(vk, c.KeyHash[:])
		putBE(vk[32:], newVersion)
		if err := tx.Put(ctx, t.valuesFamily, vk, encodeValueSlot(c.Value)); err != nil {
			return hashutil.Hash{}, err
		}
	}

	// 2. Recompute the tree along the touched paths.
	type touched struct {
		path  nibblePath
		value []byte // nil => delete
	}
	items := make([]touched, 0, len(changes))
	for _, c := range changes {
		items = append(items, touched{path: keyHashNibbles(c.KeyHash), value: c.Value})
	}
	sort.Slice(items, func(i, j int) bool {
		return lessPath(items[i].path, items[j].path)
	})

	b := &builder{tree: t, ctx: ctx, tx: tx, baseVersion: baseVersion, newVersion: newVersion}
	keyHashByPath := make(map[string][32]byte, len(changes))
	for _, c := range changes {
		keyHashByPath[string(keyHashNibbles(c.KeyHash))] = c.KeyHash
	}
	paths := make([]nibblePath, len(items))
	values := make([][]byte, len(items))
	for i, it := range items {
		paths[i] = it.path
		values[i] = it.value
	}
	root, err := b.build(nil, 0, paths, values, keyHashByPath)
	if err != nil {
		return hashutil.Hash{}, err
	}
	return root, nil
}

func lessPath(a, b nibblePath) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

type builder struct {
	tree        *Tree
	ctx         context.Context
	tx          kv.RwTx
	baseVersion uint64
	newVersion  uint64
}

// build recomputes the node rooted at prefix (nibble depth len(prefix)),
// given the subset of changed (path, value) pairs that fall under prefix,
// already sorted by path. It persists the node at newVersion and returns its
// hash.
func (b *builder) build(prefix nibblePath, depth int, paths []nibblePath, values [][]byte, keyHashByPath map[string][32]byte) (hashutil.Hash, error) {
	if depth == KeyHashNibbles {
		// Exactly one key can reach this depth (32-byte hashes are, for
		// practical purposes, collision-free), so at most one (path, value).
		if len(paths) == 0 {
			return b.existingHash(prefix)
		}
		value := values[len(values)-1]
		if value == nil {
			if err := b.tree.deleteNode(b.ctx, b.tx, prefix, b.newVersion); err != nil {
				return hashutil.Hash{}, err
			}
			return hashutil.Zero(), nil
		}
		keyHash := keyHashByPath[string(prefix)]
		leaf := leafNode{keyHash: keyHash, valueHash: hashutil.HashValue(value)}
		if err := b.tree.putNode(b.ctx, b.tx, prefix, b.newVersion, encodeLeaf(leaf)); err != nil {
			return hashutil.Hash{}, err
		}
		return hashLeaf(leaf), nil
	}

	if len(paths) == 0 {
		return b.existingHash(prefix)
	}

	// Group the touched paths by their nibble at this depth.
	var groups [fanOut]struct {
		paths  []nibblePath
		values [][]byte
	}
	for i, p := range paths {
		n := p[depth]
		groups[n].paths = append(groups[n].paths, p)
		groups[n].values = append(groups[n].values, values[i])
	}

	var node internalNode
	for n := 0; n < fanOut; n++ {
		childPrefix := append(append(nibblePath{}, prefix...), byte(n))
		h, err := b.build(childPrefix, depth+1, groups[n].paths, groups[n].values, keyHashByPath)
		if err != nil {
			return hashutil.Hash{}, err
		}
		node.children[n] = h
	}
	allEmpty := true
	for _, c := range node.children {
		if !c.Equal(hashutil.Zero()) {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		if err := b.tree.deleteNode(b.ctx, b.tx, prefix, b.newVersion); err != nil {
			return hashutil.Hash{}, err
		}
		return hashutil.Zero(), nil
	}
	if err := b.tree.putNode(b.ctx, b.tx, prefix, b.newVersion, encodeInternal(node)); err != nil {
		return hashutil.Hash{}, err
	}
	return hashInternal(depth, node), nil
}

// existingHash resolves the hash of an untouched subtree rooted at prefix by
// reading its node as committed at or before baseVersion.
func (b *builder) existingHash(prefix nibblePath) (hashutil.Hash, error) {
	node, found, err := b.tree.readNode(b.ctx, b.tx, prefix, b.baseVersion)
	if err != nil {
		return hashutil.Hash{}, err
	}
	if !found {
		return hashutil.Zero(), nil
	}
	switch n := node.(type) {
	case internalNode:
		depth := len(prefix)
		return hashInternal(depth, n), nil
	case leafNode:
		return hashLeaf(n), nil
	default:
		return hashutil.Hash{}, fmt.Errorf("jmt: unexpected node type")
	}
}

func (t *Tree) putNode(ctx context.Context, tx kv.RwTx, prefix nibblePath, version uint64, encoded []byte) error {
	return tx.Put(ctx, t.jmtFamily, nodeStorageKey(prefix, version), encoded)
}

// deleteNode writes an explicit empty marker at version so that reads at
// this or later versions see an absent subtree rather than stale data from
// an older version; readNode reports the marker as "no node".
func (t *Tree) deleteNode(ctx context.Context, tx kv.RwTx, prefix nibblePath, version uint64) error {
	return tx.Put(ctx, t.jmtFamily, nodeStorageKey(prefix, version), []byte{})
}

func (t *Tree) readNode(ctx context.Context, tx kv.Tx, prefix nibblePath, atOrBefore uint64) (interface{}, bool, error) {
	cur, err := tx.Cursor(ctx, t.jmtFamily)
	if err != nil {
		return nil, false, err
	}
	defer cur.Close()

	seek := nodeStorageKey(prefix, atOrBefore)
	k, v, ok, err := cur.SeekLE(seek)
	if err != nil || !ok {
		return nil, false, err
	}
	padded := padPath(prefix)
	if len(k) != KeyHashNibbles+8 || string(k[:KeyHashNibbles]) != string(padded[:]) {
		return nil, false, nil
	}
	if len(v) == 0 {
		return nil, false, nil
	}
	internal, leaf, kind, err := decodeNode(v)
	if err != nil {
		return nil, false, err
	}
	if kind == kindInternal {
		return internal, true, nil
	}
	return leaf, true, nil
}

// RootHash returns the substore's root hash at the given version without
// applying any changes, used by prepare_commit for substores with an empty
// change-set.
func (t *Tree) RootHash(ctx context.Context, tx kv.Tx, version uint64) (hashutil.Hash, error) {
	node, found, err := t.readNode(ctx, tx, nibblePath{}, version)
	if err != nil {
		return hashutil.Hash{}, err
	}
	if !found {
		return hashutil.Zero(), nil
	}
	switch n := node.(type) {
	case internalNode:
		return hashInternal(0, n), nil
	case leafNode:
		return hashLeaf(n), nil
	default:
		return hashutil.Hash{}, fmt.Errorf("jmt: unexpected root node type")
	}
}
