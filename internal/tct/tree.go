// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package tct

import (
	"sync"

	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/hashutil"
)

// Witness records whether an inserted commitment should remain locally
// witnessable (Keep) or only contribute its hash to the root (Forget).
type Witness bool

const (
	Keep   Witness = true
	Forget Witness = false
)

// depth is the nibble-style digit count of the full tree: three tiers
// (epoch, block, commitment), each an 8-deep 4-ary quadtree (4^8 = 65536
// leaves per tier), stacked into one 24-digit quaternary path with the
// epoch digits first. A node's "height" in the hashutil.HashNode sense is
// its digit depth+1, counted from the root, so the epoch tier occupies
// heights 1..8, the block tier 9..16, and the commitment tier 17..24.
// hashutil's precomputed empty-subtree constants for heights 9..16 are
// built from the leaf level upward and do not match this tree's empty
// subtrees at those heights, so they never shortcut a sealed empty block.
const treeDepth = 8 * 3

// leaf records one inserted commitment's permanent contribution to the
// tree's hash, independent of whether it has since been forgotten:
// forgetting prunes the index and the ability to witness, never the hash a
// forgotten leaf contributes to the root: forgetting is irreversible within
// a tree but observable via the forgotten counter, and the root stays
// deterministic regardless of forgetting order.
type leaf struct {
	hash hashutil.Hash
}

// Tree is the tiered sparse commitment tree (component B): a three-level
// epoch/block/commitment hierarchy with frontier/complete discipline,
// selective forgetting, and a deterministic, domain-separated root hash.
//
// Known simplification: rather than maintaining an explicit frontier data
// structure with structural sharing (as the original Rust implementation
// does for its in-memory representation), this Tree keeps every inserted
// leaf in a sparse map forever and recomputes the root by walking that map
// on each Root() call, pruning untouched subtrees via a precomputed
// per-height empty-subtree table instead of recursing into them. This is
// asymptotically worse (no structural sharing across Root() calls) but
// produces the identical root hash and proof shape, and Root()'s result is
// cached until the next mutating call, so repeated reads are free. See
// DESIGN.md.
type Tree struct {
	mu sync.Mutex

	epoch, block uint32 // current tier indices; uint32 so "one past 65535" is representable as "Full" rather than wrapping
	commitIdx    uint32 // next free commitment slot within the current block

	leaves map[uint64]leaf       // packed Position -> permanent leaf record
	index  map[[32]byte]Position // commitment bytes -> current Keep-and-not-forgotten position

	blockSealed map[uint64]bool // packed(epoch,block) -> sealed
	epochSealed map[uint32]bool

	forgotten ForgottenVersion

	rootCache *hashutil.Hash
}

// New returns an empty tree positioned at epoch 0, block 0, commitment 0.
func New() *Tree {
	return &Tree{
		leaves:      make(map[uint64]leaf),
		index:       make(map[[32]byte]Position),
		blockSealed: make(map[uint64]bool),
		epochSealed: make(map[uint32]bool),
	}
}

func packEpochBlock(epoch, block uint32) uint64 {
	return uint64(epoch)<<32 | uint64(block)
}

// Insert appends commitment at the next free slot of the current block.
// It fails with engineerr.ErrTctFull if the current block (or, by
// extension, the epoch containing it) is exhausted; the caller must call
// EndBlock/EndEpoch rather than retry.
func (t *Tree) Insert(witness Witness, commitment hashutil.Hash) (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epoch >= 1<<16 {
		return Position{}, engineerr.ErrTctFull
	}
	if t.block >= 1<<16 {
		return Position{}, engineerr.ErrTctFull
	}
	if t.commitIdx >= 1<<16 {
		return Position{}, engineerr.ErrTctFull
	}

	pos := Position{Epoch: uint16(t.epoch), Block: uint16(t.block), Commitment: uint16(t.commitIdx)}
	packed := pos.Pack()
	t.leaves[packed] = leaf{hash: hashutil.HashLeaf(commitment)}
	if witness == Keep {
		t.index[commitment.Bytes()] = pos
	}
	t.commitIdx++
	t.invalidateRoot()
	return pos, nil
}

// Witness returns the (position, auth path) for a kept, not-forgotten
// commitment, or ok=false if the commitment was never kept or has since
// been forgotten.
func (t *Tree) Witness(commitment hashutil.Hash) (Proof, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[commitment.Bytes()]
	if !ok {
		return Proof{}, false
	}
	return t.proveLocked(pos), true
}

// Forget drops commitment's index entry (and, implicitly, its future
// witnessability), incrementing the forgotten counter. Returns whether
// anything was actually forgotten.
func (t *Tree) Forget(commitment hashutil.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := commitment.Bytes()
	if _, ok := t.index[key]; !ok {
		return false
	}
	delete(t.index, key)
	t.forgotten++
	// Forgetting never changes the root: leaves[packed] is left
	// untouched, so rootCache stays valid.
	return true
}

// ForgottenVersion returns the current forgotten-subtree counter.
func (t *Tree) ForgottenVersion() ForgottenVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forgotten
}

// EndBlock seals the current block. Idempotent if the block is already
// sealed. Sealing an empty block still advances the block index; no
// placeholder leaf is needed, since an empty block's contribution to the
// root is already the canonical empty-subtree hash for that range.
func (t *Tree) EndBlock() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endBlockLocked()
}

func (t *Tree) endBlockLocked() error {
	key := packEpochBlock(t.epoch, t.block)
	if t.blockSealed[key] {
		return nil
	}
	// The block just sealed is still current: nothing was inserted since.
	if t.commitIdx == 0 && t.block > 0 && t.blockSealed[packEpochBlock(t.epoch, t.block-1)] {
		return nil
	}
	t.blockSealed[key] = true
	if t.block+1 > 1<<16 {
		return engineerr.ErrTctFull
	}
	t.block++
	t.commitIdx = 0
	t.invalidateRoot()
	return nil
}

// EndEpoch seals the current epoch, first sealing its current block if
// that has not already happened. Idempotent if the epoch is already sealed.
func (t *Tree) EndEpoch() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epochSealed[t.epoch] {
		return nil
	}
	// The epoch just sealed is still current: nothing was inserted since.
	if t.block == 0 && t.commitIdx == 0 && t.epoch > 0 && t.epochSealed[t.epoch-1] {
		return nil
	}
	if err := t.endBlockLocked(); err != nil {
		return err
	}
	t.epochSealed[t.epoch] = true
	if t.epoch+1 > 1<<16 {
		return engineerr.ErrTctFull
	}
	t.epoch++
	t.block = 0
	t.commitIdx = 0
	t.invalidateRoot()
	return nil
}

func (t *Tree) invalidateRoot() {
	t.rootCache = nil
}

// Root returns the tree's current root hash, lazily computed and cached
// until the next Insert/EndBlock/EndEpoch.
func (t *Tree) Root() hashutil.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() hashutil.Hash {
	if t.rootCache != nil {
		return *t.rootCache
	}
	items := make([]pathItem, 0, len(t.leaves))
	for packed, l := range t.leaves {
		items = append(items, pathItem{path: quaternaryPath(packed), hash: l.hash})
	}
	root := buildRoot(0, items)
	t.rootCache = &root
	return root
}
