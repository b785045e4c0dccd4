// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package hashutil implements the domain-separated algebraic hash shared by
// the tiered commitment tree and position-id derivation. Hash is a bn254
// scalar field element, and hash_leaf/hash_node are built on gnark-crypto's
// MiMC permutation, used here as a domain-separated algebraic hasher.
package hashutil

import (
	"encoding/binary"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Hash is a scalar field element of bn254's scalar field, used throughout the
// tiered commitment tree and the JMT as the node/leaf hash type.
type Hash struct {
	elem fr.Element
	init bool
}

// Zero is the additive identity of the field.
func Zero() Hash {
	var h Hash
	h.elem.SetZero()
	h.init = true
	return h
}

// One is the multiplicative identity of the field.
func One() Hash {
	var h Hash
	h.elem.SetOne()
	h.init = true
	return h
}

// Uninitialized is an out-of-range sentinel distinct from every valid field
// element: unlike Zero/One it carries no meaningful bytes and must never be
// folded into a proof or written to storage.
func Uninitialized() Hash {
	return Hash{}
}

// IsUninitialized reports whether h is the sentinel value.
func (h Hash) IsUninitialized() bool { return !h.init }

// FromBytes interprets b (32 bytes, big-endian) as a field element, reducing
// modulo the field order if the bytes represent a larger value.
func FromBytes(b [32]byte) Hash {
	var h Hash
	h.elem.SetBytes(b[:])
	h.init = true
	return h
}

// Bytes returns the canonical big-endian encoding of h.
func (h Hash) Bytes() [32]byte {
	return h.elem.Bytes()
}

// Equal reports whether h and o represent the same field element.
func (h Hash) Equal(o Hash) bool {
	if h.init != o.init {
		return false
	}
	return h.elem.Equal(&o.elem)
}

var (
	domainSeparatorOnce sync.Once
	domainSeparator     fr.Element
)

// domainSeparatorLabel is the fixed label the domain separator is derived
// from. It is mixed into every leaf and node hash so that a value computed
// for this tree can never collide with a hash computed by an unrelated use of
// the same permutation.
const domainSeparatorLabel = "veil.tct.domain-separator.v1"

// DomainSeparator returns the tree's fixed domain separator, derived once
// from domainSeparatorLabel.
func DomainSeparator() Hash {
	domainSeparatorOnce.Do(func() {
		h := mimc.NewMiMC()
		h.Write([]byte(domainSeparatorLabel))
		var buf [32]byte
		copy(buf[32-len(h.Sum(nil)):], h.Sum(nil))
		domainSeparator.SetBytes(buf[:])
	})
	return Hash{elem: domainSeparator, init: true}
}

// HashLeaf hashes a single commitment into a tree leaf, one-input, with the
// fixed domain separator mixed in.
func HashLeaf(commitment Hash) Hash {
	h := mimc.NewMiMC()
	ds := DomainSeparator().Bytes()
	h.Write(ds[:])
	cb := commitment.Bytes()
	h.Write(cb[:])
	var out [32]byte
	sum := h.Sum(nil)
	copy(out[32-len(sum):], sum)
	return FromBytes(out)
}

// capacityForHeight mixes the domain separator with the tree height so that
// empty-subtree constants (and every other node hash) differ per height,
// preventing subtree substitution across levels of the tiered tree.
func capacityForHeight(height uint8) fr.Element {
	ds := DomainSeparator().elem
	var heightElem fr.Element
	heightElem.SetUint64(uint64(height))
	var capacity fr.Element
	capacity.Add(&ds, &heightElem)
	return capacity
}

// HashNode mixes domain_separator+height (the "capacity") with four children
// hashes into a single node hash.
func HashNode(height uint8, a, b, c, d Hash) Hash {
	if empty, ok := lookupEmptySubtree(height, a, b, c, d); ok {
		return empty
	}
	return hashNodeUncached(height, a, b, c, d)
}

func hashNodeUncached(height uint8, a, b, c, d Hash) Hash {
	capacity := capacityForHeight(height)
	h := mimc.NewMiMC()
	var capBytes [32]byte
	cb := capacity.Bytes()
	copy(capBytes[:], cb[:])
	h.Write(capBytes[:])
	for _, child := range [4]Hash{a, b, c, d} {
		cbytes := child.Bytes()
		h.Write(cbytes[:])
	}
	var out [32]byte
	sum := h.Sum(nil)
	copy(out[32-len(sum):], sum)
	return FromBytes(out)
}

// emptySubtreeMinHeight/MaxHeight bound the precomputed table: the narrow
// range (9..16) where empty-block elision is common in practice and
// empty-commitment elision (heights 1..8) would be wasted effort, since
// random commitments almost never coincide.
const (
	emptySubtreeMinHeight = 9
	emptySubtreeMaxHeight = 16
)

var (
	emptySubtreeOnce  sync.Once
	emptySubtreeTable [emptySubtreeMaxHeight - emptySubtreeMinHeight + 1]Hash
	// emptyLeafMarker is the all-identical-children value used to recognize a
	// fully-empty subtree at the base of the precomputed range.
	emptyLeafMarker Hash
)

func buildEmptySubtreeTable() {
	emptyLeafMarker = HashLeaf(Zero())
	prev := emptyLeafMarker
	for height := uint8(1); height < emptySubtreeMinHeight; height++ {
		prev = hashNodeUncached(height, prev, prev, prev, prev)
	}
	for height := emptySubtreeMinHeight; height <= emptySubtreeMaxHeight; height++ {
		prev = hashNodeUncached(uint8(height), prev, prev, prev, prev)
		emptySubtreeTable[height-emptySubtreeMinHeight] = prev
	}
}

// lookupEmptySubtree returns the precomputed hash for an all-identical-empty
// subtree at heights 9..16. This is purely an optimization: hashNodeUncached
// would compute the same value. Returns ok=false outside the cached range or
// when the four children are not identical.
func lookupEmptySubtree(height uint8, a, b, c, d Hash) (Hash, bool) {
	if height < emptySubtreeMinHeight || height > emptySubtreeMaxHeight {
		return Hash{}, false
	}
	if !a.Equal(b) || !a.Equal(c) || !a.Equal(d) {
		return Hash{}, false
	}
	emptySubtreeOnce.Do(buildEmptySubtreeTable)
	want := emptySubtreeTable[0]
	if height > emptySubtreeMinHeight {
		want = emptySubtreeTable[height-emptySubtreeMinHeight]
	}
	// Only short-circuit when the children actually equal the all-empty
	// constant at height-1; otherwise fall through to a real computation.
	var belowConst Hash
	if height == emptySubtreeMinHeight {
		belowConst = emptyLeafMarker
		for h := uint8(1); h < emptySubtreeMinHeight; h++ {
			belowConst = hashNodeUncached(h, belowConst, belowConst, belowConst, belowConst)
		}
	} else {
		belowConst = emptySubtreeTable[height-1-emptySubtreeMinHeight]
	}
	if !a.Equal(belowConst) {
		return Hash{}, false
	}
	return want, true
}

// HashValue folds an arbitrary-length byte string (a storage key or a stored
// value) down to a single field element, chunking it into 32-byte big-endian
// words and combining them left to right with HashNode at height 0 — the
// same "reserve height 0 for non-tiered hashing" convention internal/jmt uses
// for its leaf hashes, so a JMT leaf's value hash and the key_hash the
// storage engine computes from a raw key come from the same primitive.
func HashValue(value []byte) Hash {
	acc := Zero()
	for i := 0; i < len(value); i += 32 {
		end := i + 32
		if end > len(value) {
			end = len(value)
		}
		var chunk [32]byte
		copy(chunk[32-(end-i):], value[i:end])
		acc = HashNode(0, acc, FromBytes(chunk), Zero(), Zero())
	}
	return acc
}

// LittleEndianUint64 encodes v as 8 little-endian bytes. The storage
// engine's own key encodings are big-endian and do not call it.
func LittleEndianUint64(v uint64) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b
}
