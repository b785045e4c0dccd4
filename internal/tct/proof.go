// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package tct

import "github.com/veilstate/veil/internal/hashutil"

// Proof is a witnessed commitment's auth path: the sequence of sibling
// triples from leaf to root, sufficient to recompute the tree's
// root by folding with hash_node. Siblings[0] is the leaf-adjacent triple;
// Siblings[treeDepth-1] is the root-adjacent triple.
type Proof struct {
	Position Position
	Siblings [treeDepth][3]hashutil.Hash
}

// Verify folds the proof against commitment and reports whether it
// reproduces root, i.e. whether commitment was present at p.Position when
// this proof was taken.
func (p Proof) Verify(commitment hashutil.Hash, root hashutil.Hash) bool {
	path := quaternaryPath(p.Position.Pack())
	cur := hashutil.HashLeaf(commitment)
	for i := 0; i < treeDepth; i++ {
		depth := treeDepth - 1 - i
		height := uint8(depth + 1)
		digit := path[depth]
		sib := p.Siblings[i]

		var children [4]hashutil.Hash
		si := 0
		for n := 0; n < 4; n++ {
			if byte(n) == digit {
				children[n] = cur
				continue
			}
			children[n] = sib[si]
			si++
		}
		cur = hashutil.HashNode(height, children[0], children[1], children[2], children[3])
	}
	return cur.Equal(root)
}
