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

	"github.com/veilstate/veil/internal/hashutil"
)

// quaternaryDigits splits a uint16 tier index into 8 base-4 digits, most
// significant first, matching the tier's 8-deep 4-ary (4^8 = 65536 leaves)
// structure.
func quaternaryDigits(v uint16) [8]byte {
	var out [8]byte
	for i := 0; i < 8; i++ {
		shift := 14 - 2*i
		out[i] = byte((v >> uint(shift)) & 0x3)
	}
	return out
}

// quaternaryPath expands a packed Position into its full 24-digit path:
// epoch digits, then block digits, then commitment digits, each 8 digits,
// matching the height ranges hashutil.HashNode is called with (1..8, 9..16,
// 17..24).
func quaternaryPath(packed uint64) [treeDepth]byte {
	pos := UnpackPosition(packed)
	var out [treeDepth]byte
	e := quaternaryDigits(pos.Epoch)
	b := quaternaryDigits(pos.Block)
	c := quaternaryDigits(pos.Commitment)
	copy(out[0:8], e[:])
	copy(out[8:16], b[:])
	copy(out[16:24], c[:])
	return out
}

// pathItem pairs one inserted leaf's full path with its permanent hash.
type pathItem struct {
	path [treeDepth]byte
	hash hashutil.Hash
}

var (
	emptyTableOnce sync.Once
	// emptyAtDepth[d] is the hash of a subtree rooted at digit-depth d (d in
	// 0..treeDepth, where treeDepth itself denotes "a single never-inserted
	// leaf slot") containing only never-inserted commitment slots.
	emptyAtDepthTable [treeDepth + 1]hashutil.Hash
)

func buildEmptyTable() {
	emptyAtDepthTable[treeDepth] = hashutil.HashLeaf(hashutil.Zero())
	for d := treeDepth - 1; d >= 0; d-- {
		c := emptyAtDepthTable[d+1]
		emptyAtDepthTable[d] = hashutil.HashNode(uint8(d+1), c, c, c, c)
	}
}

func emptyAtDepth(depth int) hashutil.Hash {
	emptyTableOnce.Do(buildEmptyTable)
	return emptyAtDepthTable[depth]
}

// buildRoot recomputes the hash of the subtree rooted at digit-depth depth,
// given the subset of inserted items whose path passes through it (already
// implicitly filtered by the caller grouping on shared path prefixes).
// Subtrees with no items elide to the precomputed empty-subtree constant
// instead of recursing, bounding the cost to O(len(items) * treeDepth)
// rather than O(4^treeDepth).
func buildRoot(depth int, items []pathItem) hashutil.Hash {
	if len(items) == 0 {
		return emptyAtDepth(depth)
	}
	if depth == treeDepth {
		return items[0].hash
	}
	var groups [4][]pathItem
	for _, it := range items {
		d := it.path[depth]
		groups[d] = append(groups[d], it)
	}
	var children [4]hashutil.Hash
	for n := 0; n < 4; n++ {
		children[n] = buildRoot(depth+1, groups[n])
	}
	return hashutil.HashNode(uint8(depth+1), children[0], children[1], children[2], children[3])
}

// buildAuthPath is buildRoot's sibling: in addition to the subtree hash, it
// returns the sequence of sibling triples along targetPath, in leaf-to-root
// order (index 0 is the target's sibling set at the deepest level).
func buildAuthPath(depth int, items []pathItem, targetPath [treeDepth]byte) ([][3]hashutil.Hash, hashutil.Hash) {
	if depth == treeDepth {
		if len(items) == 0 {
			return nil, emptyAtDepth(depth)
		}
		return nil, items[0].hash
	}
	var groups [4][]pathItem
	for _, it := range items {
		d := it.path[depth]
		groups[d] = append(groups[d], it)
	}
	var children [4]hashutil.Hash
	if len(items) == 0 {
		for n := 0; n < 4; n++ {
			children[n] = emptyAtDepth(depth + 1)
		}
	} else {
		for n := 0; n < 4; n++ {
			children[n] = buildRoot(depth+1, groups[n])
		}
	}

	target := targetPath[depth]
	var sib [3]hashutil.Hash
	si := 0
	for n := 0; n < 4; n++ {
		if byte(n) == target {
			continue
		}
		sib[si] = children[n]
		si++
	}

	restSteps, _ := buildAuthPath(depth+1, groups[target], targetPath)
	steps := append(restSteps, sib)
	nodeHash := hashutil.HashNode(uint8(depth+1), children[0], children[1], children[2], children[3])
	return steps, nodeHash
}

func (t *Tree) proveLocked(pos Position) Proof {
	items := make([]pathItem, 0, len(t.leaves))
	for packed, l := range t.leaves {
		items = append(items, pathItem{path: quaternaryPath(packed), hash: l.hash})
	}
	target := quaternaryPath(pos.Pack())
	steps, _ := buildAuthPath(0, items, target)
	var siblings [treeDepth][3]hashutil.Hash
	copy(siblings[:], steps)
	return Proof{Position: pos, Siblings: siblings}
}
