// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package tct implements the tiered sparse commitment tree (component B):
// a three-level hierarchy of epoch, block, and commitment tiers, each a
// height-8 4-ary quadtree (4^8 = 65536 leaves), witnessing shielded-pool
// note commitments under the domain-separated hasher in internal/hashutil.
package tct

// Position packs a commitment's location as a 48-bit (epoch:16, block:16,
// commitment:16) triple.
type Position struct {
	Epoch      uint16
	Block      uint16
	Commitment uint16
}

// Pack encodes p as a 48-bit (epoch:16, block:16, commitment:16) triple,
// big-endian, in the low 48 bits of a uint64.
func (p Position) Pack() uint64 {
	return uint64(p.Epoch)<<32 | uint64(p.Block)<<16 | uint64(p.Commitment)
}

// UnpackPosition reverses Pack.
func UnpackPosition(v uint64) Position {
	return Position{
		Epoch:      uint16(v >> 32),
		Block:      uint16(v >> 16),
		Commitment: uint16(v),
	}
}

// ForgottenVersion is a 48-bit monotonically increasing counter tagging
// subtree deletions, so a reader can confirm the tree has not silently
// dropped a witness it expected to still be kept.
type ForgottenVersion uint64
