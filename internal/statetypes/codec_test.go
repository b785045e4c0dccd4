// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package statetypes

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/hashutil"
)

func TestTransactionCodecRoundTrip(t *testing.T) {
	var a1, a2 dextypes.AssetID
	a1[0], a2[0] = 1, 2
	var validator [32]byte
	validator[5] = 9

	pos := dextypes.Position{
		Phi: dextypes.TradingFunction{
			Pair: dextypes.NewPair(a1, a2),
			P:    uint256.NewInt(3),
			Q:    uint256.NewInt(2),
		},
		State:    dextypes.Opened,
		Reserves: dextypes.Reserves{R1: uint256.NewInt(10), R2: uint256.NewInt(20)},
	}

	tx := &Transaction{Actions: []Action{
		Swap{Pair: dextypes.NewPair(a1, a2), Delta1: uint256.NewInt(5)},
		SwapClaim{Pair: dextypes.NewPair(a1, a2), Height: 9, Delta1: uint256.NewInt(5)},
		PositionOpen{Position: pos},
		PositionClose{ID: pos.ID()},
		PositionWithdraw{ID: pos.ID(), Sequence: 1},
		Spend{Nullifier: hashutil.HashValue([]byte("nf")), Proof: []byte{1, 2, 3}},
		Output{Commitment: hashutil.HashValue([]byte("note")), Remember: true},
		Delegate{Validator: validator, Amount: uint256.NewInt(100)},
		Undelegate{Validator: validator, Amount: uint256.NewInt(40)},
	}}

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	got := new(Transaction)
	require.NoError(t, got.UnmarshalBinary(raw))
	require.Len(t, got.Actions, len(tx.Actions))

	open, ok := got.Actions[2].(PositionOpen)
	require.True(t, ok)
	require.Equal(t, pos.ID(), open.Position.ID())

	out, ok := got.Actions[6].(Output)
	require.True(t, ok)
	require.True(t, out.Remember)
	require.True(t, out.Commitment.Equal(hashutil.HashValue([]byte("note"))))

	// Trailing garbage is rejected, not ignored.
	require.Error(t, got.UnmarshalBinary(append(raw, 0)))
}
