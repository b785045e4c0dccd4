// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dextypes

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func asset(b byte) AssetID {
	var a AssetID
	a[0] = b
	return a
}

func phi(a1, a2 AssetID, feeBps uint32, p, q uint64) TradingFunction {
	return TradingFunction{
		Pair:   NewPair(a1, a2),
		FeeBps: feeBps,
		P:      uint256.NewInt(p),
		Q:      uint256.NewInt(q),
	}
}

func TestFillOneToOneNoFee(t *testing.T) {
	a, b := asset(1), asset(2)
	f := phi(a, b, 0, 1, 1)
	res := Reserves{R1: uint256.NewInt(10), R2: uint256.NewInt(10)}

	unfilled, newRes, output, err := f.Fill(NewValue(1, a), res)
	require.NoError(t, err)
	require.True(t, unfilled.Amount.IsZero())
	require.Equal(t, uint64(1), output.Amount.Uint64())
	require.Equal(t, b, output.AssetID)
	require.Equal(t, uint64(11), newRes.R1.Uint64())
	require.Equal(t, uint64(9), newRes.R2.Uint64())
}

func TestFillCappedByReserves(t *testing.T) {
	a, b := asset(1), asset(2)
	f := phi(a, b, 0, 1, 1)
	res := Reserves{R1: uint256.NewInt(0), R2: uint256.NewInt(3)}

	unfilled, newRes, output, err := f.Fill(NewValue(10, a), res)
	require.NoError(t, err)
	require.Equal(t, uint64(3), output.Amount.Uint64())
	require.Equal(t, uint64(7), unfilled.Amount.Uint64())
	require.True(t, newRes.R2.IsZero())
	require.Equal(t, uint64(3), newRes.R1.Uint64())
}

func TestFillFeeRoundsAgainstTrader(t *testing.T) {
	a, b := asset(1), asset(2)
	// 1% fee at 1:1: 100 in yields floor(100*9900/10000) = 99 out.
	f := phi(a, b, 100, 1, 1)
	res := Reserves{R1: uint256.NewInt(0), R2: uint256.NewInt(1000)}

	unfilled, newRes, output, err := f.Fill(NewValue(100, a), res)
	require.NoError(t, err)
	require.True(t, unfilled.Amount.IsZero())
	require.Equal(t, uint64(99), output.Amount.Uint64())
	// The position banks the full input including the fee.
	require.Equal(t, uint64(100), newRes.R1.Uint64())
}

func TestFillFlippedDirectionUsesReciprocalPrice(t *testing.T) {
	a, b := asset(1), asset(2)
	// p/q = 2: selling asset-1 pays 2 asset-1 per asset-2; selling asset-2
	// earns 2 asset-1 per asset-2.
	f := phi(a, b, 0, 2, 1)
	res := Reserves{R1: uint256.NewInt(100), R2: uint256.NewInt(100)}

	_, _, out12, err := f.Fill(NewValue(10, a), res)
	require.NoError(t, err)
	require.Equal(t, uint64(5), out12.Amount.Uint64())

	_, _, out21, err := f.Fill(NewValue(10, b), res)
	require.NoError(t, err)
	require.Equal(t, uint64(20), out21.Amount.Uint64())
}

func TestEffectivePriceOrdering(t *testing.T) {
	a, b := asset(1), asset(2)
	cheap := phi(a, b, 0, 1, 1)
	dear := phi(a, b, 0, 3, 2)
	feeBumped := phi(a, b, 500, 1, 1)

	pc, err := cheap.EffectivePrice(a)
	require.NoError(t, err)
	pd, err := dear.EffectivePrice(a)
	require.NoError(t, err)
	pf, err := feeBumped.EffectivePrice(a)
	require.NoError(t, err)

	require.Negative(t, pc.Cmp(pd))
	// A fee makes the same p/q strictly more expensive.
	require.Negative(t, pc.Cmp(pf))

	ec, err := EncodePrice(cheap, a)
	require.NoError(t, err)
	ed, err := EncodePrice(dear, a)
	require.NoError(t, err)
	require.Negative(t, bytes.Compare(ec[:], ed[:]),
		"big-endian encoding must sort cheaper price first")
}

func TestPositionIDIgnoresMutableFields(t *testing.T) {
	a, b := asset(1), asset(2)
	p := &Position{
		Phi:      phi(a, b, 0, 1, 1),
		State:    Opened,
		Reserves: Reserves{R1: uint256.NewInt(10), R2: uint256.NewInt(10)},
	}
	id := p.ID()

	p.Reserves.R1 = uint256.NewInt(999)
	p.State = Closed
	p.Sequence = 7
	require.Equal(t, id, p.ID())

	q := &Position{Phi: phi(a, b, 0, 1, 1)}
	q.Nonce[0] = 1
	require.NotEqual(t, id, q.ID(), "nonce is an immutable field and must change the id")
}

func TestPositionCodecRoundTrip(t *testing.T) {
	a, b := asset(3), asset(4)
	p := &Position{
		Phi:         phi(a, b, 30, 7, 5),
		State:       Closed,
		Reserves:    Reserves{R1: uint256.NewInt(123), R2: uint256.NewInt(456)},
		CloseOnFill: true,
		Sequence:    2,
	}
	p.Nonce[31] = 9

	raw, err := p.MarshalBinary()
	require.NoError(t, err)
	got := new(Position)
	require.NoError(t, got.UnmarshalBinary(raw))
	require.Equal(t, p.ID(), got.ID())
	require.Equal(t, p.State, got.State)
	require.Equal(t, p.CloseOnFill, got.CloseOnFill)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Zero(t, p.Reserves.R1.Cmp(got.Reserves.R1))
	require.Zero(t, p.Reserves.R2.Cmp(got.Reserves.R2))
}
