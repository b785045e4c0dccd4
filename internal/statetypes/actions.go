// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package statetypes defines the typed transaction actions the driver
// executes against the core: DEX position lifecycle and swaps, shielded
// pool note flow into the commitment tree, and the staking interface
// points. Only the storage-relevant shape of each action is modeled; ZK
// proofs reach the core as opaque byte blobs verified upstream.
package statetypes

import (
	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/hashutil"
)

// Action is one transaction action. The concrete types below are the only
// implementations.
type Action interface {
	isAction()
}

// Swap contributes (Delta1, Delta2) to the pair's end-of-block batch swap.
type Swap struct {
	Pair   dextypes.Pair
	Delta1 *uint256.Int
	Delta2 *uint256.Int
}

// SwapClaim redeems a prior swap's pro-rata share of the batch output
// recorded at Height for Pair.
type SwapClaim struct {
	Pair   dextypes.Pair
	Height uint64
	Delta1 *uint256.Int
	Delta2 *uint256.Int
}

// PositionOpen opens a new concentrated-liquidity position.
type PositionOpen struct {
	Position dextypes.Position
}

// PositionClose transitions an opened position to Closed.
type PositionClose struct {
	ID dextypes.ID
}

// PositionWithdraw removes a closed position's reserves. The caller proves
// knowledge of the current reserves via their commitment and supplies the
// next withdrawal sequence number.
type PositionWithdraw struct {
	ID                 dextypes.ID
	ReservesCommitment [32]byte
	Sequence           uint64
}

// Spend reveals a nullifier, consuming a shielded note. The proof blob is
// opaque to the core.
type Spend struct {
	Nullifier hashutil.Hash
	Proof     []byte
}

// Output emits a new note commitment into the tiered commitment tree.
// Remember controls the witnessing disposition: a remembered commitment
// can be witnessed and selectively forgotten later, an unremembered one
// only contributes its hash.
type Output struct {
	Commitment hashutil.Hash
	Remember   bool
	Proof      []byte
}

// Delegate moves Amount of the staking token to a validator's delegation
// pool. The staking module proper is an external collaborator; the core
// only tracks the balance movement.
type Delegate struct {
	Validator [32]byte
	Amount    *uint256.Int
}

// Undelegate reverses a delegation.
type Undelegate struct {
	Validator [32]byte
	Amount    *uint256.Int
}

func (Swap) isAction()             {}
func (SwapClaim) isAction()        {}
func (PositionOpen) isAction()     {}
func (PositionClose) isAction()    {}
func (PositionWithdraw) isAction() {}
func (Spend) isAction()            {}
func (Output) isAction()           {}
func (Delegate) isAction()         {}
func (Undelegate) isAction()       {}

// Transaction is an ordered list of actions executed atomically: any
// action's failure discards the whole transaction's writes.
type Transaction struct {
	Actions []Action
}
