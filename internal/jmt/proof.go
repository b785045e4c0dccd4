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

	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/kv"
)

// ProofStep records one internal node's full child-hash row along a proof
// path. Recording all 16 children (rather than the minimal log16(n)
// siblings) keeps proof generation and verification a direct mirror of
// hashInternal, at the cost of a larger proof than a production IBC light
// client would want; get_with_proof's own consumers are local (Snapshot
// readers verifying against a root they already trust), so this is a
// deliberately simple native format. Inbound ICS23 proofs from a remote
// chain's IAVL tree are verified separately, with bnb-chain/ics23, since
// they use a structurally different tree (see internal/storage/ibcproof.go).
type ProofStep struct {
	Children [fanOut]hashutil.Hash
}

// ProofLeaf is the terminal entry of a Proof: present and its value hash
// when the key exists, absent otherwise (a non-membership proof).
type ProofLeaf struct {
	Present   bool
	KeyHash   [32]byte
	ValueHash hashutil.Hash
}

// Proof is a membership or non-membership proof for one key hash against a
// substore root at a fixed version.
type Proof struct {
	KeyHash [32]byte
	Leaf    ProofLeaf
	// Steps holds one ProofStep per nibble depth, root first (depth 0)
	// through depth 63.
	Steps []ProofStep
}

// Prove walks keyHash's path from the root, at version, recording every
// internal node's full child row so the proof can be verified later without
// further storage access.
func (t *Tree) Prove(ctx context.Context, tx kv.Tx, keyHash [32]byte, version uint64) (Proof, error) {
	path := keyHashNibbles(keyHash)
	proof := Proof{KeyHash: keyHash, Steps: make([]ProofStep, 0, KeyHashNibbles)}

	for depth := 0; depth < KeyHashNibbles; depth++ {
		prefix := path[:depth]
		node, found, err := t.readNode(ctx, tx, prefix, version)
		if err != nil {
			return Proof{}, err
		}
		var step ProofStep
		if found {
			internal, ok := node.(internalNode)
			if !ok {
				break // a leaf short-circuited the path above depth 64; nothing further to record
			}
			step.Children = internal.children
		} else {
			for i := range step.Children {
				step.Children[i] = hashutil.Zero()
			}
		}
		proof.Steps = append(proof.Steps, step)
	}

	leafNodeVal, found, err := t.readNode(ctx, tx, path, version)
	if err != nil {
		return Proof{}, err
	}
	if found {
		if leaf, ok := leafNodeVal.(leafNode); ok {
			proof.Leaf = ProofLeaf{Present: true, KeyHash: leaf.keyHash, ValueHash: leaf.valueHash}
		}
	}
	return proof, nil
}

// VerifyProof recomputes root from proof and reports whether it matches
// root. It also reports inclusion status: if proof.Leaf.Present, the caller
// should additionally check ValueHash against the value they expect.
func VerifyProof(proof Proof, root hashutil.Hash) bool {
	var expect hashutil.Hash
	if proof.Leaf.Present {
		expect = hashLeaf(leafNode{keyHash: proof.Leaf.KeyHash, valueHash: proof.Leaf.ValueHash})
	} else {
		expect = hashutil.Zero()
	}

	path := keyHashNibbles(proof.KeyHash)
	for depth := len(proof.Steps) - 1; depth >= 0; depth-- {
		step := proof.Steps[depth]
		nibble := path[depth]
		if !step.Children[nibble].Equal(expect) {
			return false
		}
		allZero := true
		for _, c := range step.Children {
			if !c.Equal(hashutil.Zero()) {
				allZero = false
				break
			}
		}
		if allZero {
			// build stores an all-empty subtree as Zero in its parent.
			expect = hashutil.Zero()
		} else {
			expect = hashInternal(depth, internalNode{children: step.Children})
		}
	}
	return expect.Equal(root)
}
