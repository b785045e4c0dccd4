// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package jmt implements the versioned, 16-ary jellyfish Merkle tree that
// backs every substore. A node's position is
// addressed by its nibble path (0..64 nibbles over a 32-byte key hash); reads
// resolve the latest node at or before a requested version using the same
// "seek to the largest key <= target" technique as value reads, applied
// uniformly to both the jmt and jmt-values families.
package jmt

import (
	"encoding/binary"
	"fmt"

	"github.com/veilstate/veil/internal/hashutil"
)

const (
	// KeyHashNibbles is the path length: 32-byte key hashes, one nibble per
	// 4 bits, 64 nibbles total.
	KeyHashNibbles = 64
	// fanOut is the JMT's branching factor.
	fanOut = 16
)

// nibblePath is a sequence of 4-bit nibbles from the root (depth 0) down to a
// leaf (depth 64), each stored as a full byte (0..15) for encoding
// simplicity; this costs 2x the packed-nibble size on disk in exchange for a
// trivially correct lexicographic byte ordering, an acceptable tradeoff for
// this engine's scale.
type nibblePath []byte

// keyHashNibbles splits a 32-byte key hash into its 64 nibbles, high nibble
// first within each byte.
func keyHashNibbles(keyHash [32]byte) nibblePath {
	out := make(nibblePath, KeyHashNibbles)
	for i, b := range keyHash {
		out[2*i] = b >> 4
		out[2*i+1] = b & 0x0f
	}
	return out
}

// pathPadByte pads a path encoding out to KeyHashNibbles bytes. It must sort
// above every real nibble value (0..15) so that two distinct paths, once
// padded to a common fixed width, remain unambiguously ordered and so a
// shorter (shallower) path's padded key never collides byte-for-byte with a
// deeper path that happens to share its real nibbles as a prefix.
const pathPadByte = 0xff

// padPath pads path to a fixed KeyHashNibbles-byte encoding. Using a fixed
// width (rather than the raw variable-length path) for every key in the jmt
// family avoids an ambiguity inherent in variable-length lexicographic byte
// keys: without padding, two entries at different nibble depths can
// interleave in the family's byte order in a way that defeats the "seek the
// largest key <= target for this exact path" read pattern. See DESIGN.md.
func padPath(path nibblePath) [KeyHashNibbles]byte {
	var out [KeyHashNibbles]byte
	copy(out[:], path)
	for i := len(path); i < KeyHashNibbles; i++ {
		out[i] = pathPadByte
	}
	return out
}

// nodeStorageKey encodes (path, version) as path-major bytes, path padded to
// a fixed width, so that a cursor SeekLE against an exact path finds the
// latest node committed at or before a target version, mirroring
// jmt-values' key_hash||BE(version) layout.
func nodeStorageKey(path nibblePath, version uint64) []byte {
	padded := padPath(path)
	key := make([]byte, KeyHashNibbles+8)
	copy(key, padded[:])
	binary.BigEndian.PutUint64(key[KeyHashNibbles:], version)
	return key
}

// nodeKind tags whether an encoded node is an internal branch or a leaf.
type nodeKind byte

const (
	kindInternal nodeKind = 0
	kindLeaf     nodeKind = 1
)

// internalNode holds the 16 child hashes of a branch node. An empty child is
// represented by hashutil.Zero(), the tree's canonical "nothing here" value.
type internalNode struct {
	children [fanOut]hashutil.Hash
}

// leafNode is a terminal node: the full key hash it was reached with (so
// proofs can assert non-inclusion by path divergence, matching the spirit of
// a patricia-style leaf) and the hash of the stored value.
type leafNode struct {
	keyHash   [32]byte
	valueHash hashutil.Hash
}

func encodeInternal(n internalNode) []byte {
	buf := make([]byte, 1+fanOut*32)
	buf[0] = byte(kindInternal)
	for i, c := range n.children {
		b := c.Bytes()
		copy(buf[1+i*32:], b[:])
	}
	return buf
}

func encodeLeaf(n leafNode) []byte {
	buf := make([]byte, 1+32+32)
	buf[0] = byte(kindLeaf)
	copy(buf[1:], n.keyHash[:])
	vb := n.valueHash.Bytes()
	copy(buf[1+32:], vb[:])
	return buf
}

func decodeNode(buf []byte) (internalNode, leafNode, nodeKind, error) {
	if len(buf) == 0 {
		return internalNode{}, leafNode{}, 0, fmt.Errorf("jmt: empty node encoding")
	}
	switch nodeKind(buf[0]) {
	case kindInternal:
		if len(buf) != 1+fanOut*32 {
			return internalNode{}, leafNode{}, 0, fmt.Errorf("jmt: malformed internal node")
		}
		var n internalNode
		for i := 0; i < fanOut; i++ {
			var b [32]byte
			copy(b[:], buf[1+i*32:1+(i+1)*32])
			n.children[i] = hashutil.FromBytes(b)
		}
		return n, leafNode{}, kindInternal, nil
	case kindLeaf:
		if len(buf) != 1+64 {
			return internalNode{}, leafNode{}, 0, fmt.Errorf("jmt: malformed leaf node")
		}
		var n leafNode
		copy(n.keyHash[:], buf[1:33])
		var vb [32]byte
		copy(vb[:], buf[33:65])
		n.valueHash = hashutil.FromBytes(vb)
		return internalNode{}, n, kindLeaf, nil
	default:
		return internalNode{}, leafNode{}, 0, fmt.Errorf("jmt: unknown node kind %d", buf[0])
	}
}

// groupHeight and outerHeight map a nibble depth to the hashutil height
// parameters used for internal-node hashing, and leafHashHeight reserves
// height 0 for leaves, so a leaf hash can
// never collide with an internal node hash computed by hashutil's shared
// domain-separated primitive. Internal nodes at nibble depth d use two
// hashutil.HashNode calls (4-ary groups of 4, then the 4 group hashes), at
// heights 2d+1 and 2d+2 respectively, keeping every level's domain distinct.
func groupHeight(depth int) uint8  { return uint8(2*depth + 1) }
func outerHeight(depth int) uint8  { return uint8(2*depth + 2) }
func leafHashHeight() uint8        { return 0 }

// hashInternal computes an internal node's hash from its 16 children.
func hashInternal(depth int, n internalNode) hashutil.Hash {
	var groups [4]hashutil.Hash
	for g := 0; g < 4; g++ {
		c := n.children[g*4 : g*4+4]
		groups[g] = hashutil.HashNode(groupHeight(depth), c[0], c[1], c[2], c[3])
	}
	return hashutil.HashNode(outerHeight(depth), groups[0], groups[1], groups[2], groups[3])
}

// hashLeaf computes a leaf node's hash from its key hash and value hash.
func hashLeaf(n leafNode) hashutil.Hash {
	var kb [32]byte
	copy(kb[:], n.keyHash[:])
	keyHash := hashutil.FromBytes(kb)
	return hashutil.HashNode(leafHashHeight(), keyHash, n.valueHash, hashutil.Zero(), hashutil.Zero())
}

