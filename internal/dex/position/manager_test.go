// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package position

import (
	"bytes"
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/kv"
	"github.com/veilstate/veil/internal/state"
)

// emptyBase is a StateRead over nothing: every position test starts from
// genesis-empty state held entirely in the overlay.
type emptyBase struct{}

func (emptyBase) Get(ctx context.Context, substore, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (emptyBase) GetRaw(ctx context.Context, substore string, key []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (emptyBase) NonverifiableGet(ctx context.Context, substore string, key []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (emptyBase) NonverifiablePrefixRaw(ctx context.Context, substore string, prefix []byte) ([]kv.KVPair, error) {
	return nil, nil
}

func newTestManager() (*Manager, *state.Overlay) {
	ov := state.NewOverlay(emptyBase{})
	return NewManager(ov), ov
}

func asset(b byte) dextypes.AssetID {
	var a dextypes.AssetID
	a[0] = b
	return a
}

func testPosition(a1, a2 dextypes.AssetID, p, q, r1, r2 uint64, nonce byte) *dextypes.Position {
	pos := &dextypes.Position{
		Phi: dextypes.TradingFunction{
			Pair: dextypes.NewPair(a1, a2),
			P:    uint256.NewInt(p),
			Q:    uint256.NewInt(q),
		},
		State:    dextypes.Opened,
		Reserves: dextypes.Reserves{R1: uint256.NewInt(r1), R2: uint256.NewInt(r2)},
	}
	pos.Nonce[0] = nonce
	return pos
}

func TestOpenCreditsVcbAndIndexes(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	a, b := asset(1), asset(2)

	id, err := m.Open(ctx, testPosition(a, b, 1, 1, 10, 20, 0))
	require.NoError(t, err)

	vcbA, err := m.VcbBalance(ctx, a)
	require.NoError(t, err)
	require.Equal(t, uint64(10), vcbA.Uint64())
	vcbB, err := m.VcbBalance(ctx, b)
	require.NoError(t, err)
	require.Equal(t, uint64(20), vcbB.Uint64())

	ids, err := m.PositionsByPrice(ctx, dextypes.DirectedPair{Start: a, End: b})
	require.NoError(t, err)
	require.Equal(t, []dextypes.ID{id}, ids)
	ids, err = m.PositionsByPrice(ctx, dextypes.DirectedPair{Start: b, End: a})
	require.NoError(t, err)
	require.Equal(t, []dextypes.ID{id}, ids)
}

func TestOpenDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	a, b := asset(1), asset(2)

	_, err := m.Open(ctx, testPosition(a, b, 1, 1, 10, 10, 0))
	require.NoError(t, err)
	_, err = m.Open(ctx, testPosition(a, b, 1, 1, 10, 10, 0))
	require.ErrorIs(t, err, engineerr.ErrDuplicatePosition)
}

func TestZeroReserveSideNotIndexed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	a, b := asset(1), asset(2)

	// Nothing to pay out in asset-2: not a candidate for a->b fills.
	id, err := m.Open(ctx, testPosition(a, b, 1, 1, 10, 0, 0))
	require.NoError(t, err)

	ids, err := m.PositionsByPrice(ctx, dextypes.DirectedPair{Start: a, End: b})
	require.NoError(t, err)
	require.Empty(t, ids)
	ids, err = m.PositionsByPrice(ctx, dextypes.DirectedPair{Start: b, End: a})
	require.NoError(t, err)
	require.Equal(t, []dextypes.ID{id}, ids)
}

func TestFillAgainstUpdatesVcbByReserveDeltas(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	a, b := asset(1), asset(2)

	id, err := m.Open(ctx, testPosition(a, b, 1, 1, 10, 10, 0))
	require.NoError(t, err)

	unfilled, output, err := m.FillAgainst(ctx, dextypes.NewValue(1, a), id)
	require.NoError(t, err)
	require.True(t, unfilled.Amount.IsZero())
	require.Equal(t, uint64(1), output.Amount.Uint64())

	vcbA, _ := m.VcbBalance(ctx, a)
	vcbB, _ := m.VcbBalance(ctx, b)
	require.Equal(t, uint64(11), vcbA.Uint64())
	require.Equal(t, uint64(9), vcbB.Uint64())
}

func TestFillAgainstClosedRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	a, b := asset(1), asset(2)

	id, err := m.Open(ctx, testPosition(a, b, 1, 1, 10, 10, 0))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, id))

	_, _, err = m.FillAgainst(ctx, dextypes.NewValue(1, a), id)
	require.ErrorIs(t, err, engineerr.ErrPositionNotOpened)

	// Closing deindexes both directions.
	ids, err := m.PositionsByPrice(ctx, dextypes.DirectedPair{Start: a, End: b})
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestCloseOnFillTransitionsWhenDrained(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	a, b := asset(1), asset(2)

	pos := testPosition(a, b, 1, 1, 0, 5, 0)
	pos.CloseOnFill = true
	id, err := m.Open(ctx, pos)
	require.NoError(t, err)

	_, output, err := m.FillAgainst(ctx, dextypes.NewValue(5, a), id)
	require.NoError(t, err)
	require.Equal(t, uint64(5), output.Amount.Uint64())

	got, ok, err := m.PositionByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dextypes.Closed, got.State)
}

func TestWithdrawLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	a, b := asset(1), asset(2)

	id, err := m.Open(ctx, testPosition(a, b, 1, 1, 7, 3, 0))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, id))

	pos, _, err := m.PositionByID(ctx, id)
	require.NoError(t, err)

	// Wrong commitment is rejected before any state change.
	var bogus [32]byte
	_, err = m.Withdraw(ctx, id, bogus, 0)
	require.ErrorIs(t, err, engineerr.ErrReservesCommitmentMismatch)

	expected := pos.Reserves.Commitment().Bytes()
	withdrawn, err := m.Withdraw(ctx, id, expected, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(7), withdrawn.R1.Uint64())
	require.Equal(t, uint64(3), withdrawn.R2.Uint64())

	vcbA, _ := m.VcbBalance(ctx, a)
	vcbB, _ := m.VcbBalance(ctx, b)
	require.True(t, vcbA.IsZero())
	require.True(t, vcbB.IsZero())

	// Replay of the same sequence is rejected; the next sequence (with the
	// now-empty reserves commitment) succeeds and withdraws nothing.
	_, err = m.Withdraw(ctx, id, expected, 0)
	require.ErrorIs(t, err, engineerr.ErrSequenceMismatch)

	empty := dextypes.Reserves{}.Commitment().Bytes()
	withdrawn, err = m.Withdraw(ctx, id, empty, 1)
	require.NoError(t, err)
	require.True(t, withdrawn.R1.IsZero())
}

// Scenario: the circuit breaker catches ledger corruption. Zeroing the vcb
// counter out from under an otherwise-valid withdrawal must abort the
// action and leave the position untouched.
func TestVcbUnderflowAbortsWithdrawal(t *testing.T) {
	ctx := context.Background()
	m, ov := newTestManager()
	a, b := asset(1), asset(2)

	id, err := m.Open(ctx, testPosition(a, b, 1, 1, 1, 0, 0))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, id))

	// Corrupt the counter the way a ledger bug would.
	zero := uint256.NewInt(0).Bytes32()
	require.NoError(t, ov.Put(ctx, Substore, vcbKey(a), zero[:]))

	pos, _, err := m.PositionByID(ctx, id)
	require.NoError(t, err)
	expected := pos.Reserves.Commitment().Bytes()
	_, err = m.Withdraw(ctx, id, expected, 0)
	require.ErrorIs(t, err, engineerr.ErrVcbUnderflow)

	got, ok, err := m.PositionByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dextypes.Closed, got.State, "failed withdrawal must not change state")
}

// Property: ascending iteration of the price index yields non-decreasing
// effective prices, for arbitrary sets of positions.
func TestPriceIndexMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		m, _ := newTestManager()
		a, b := asset(1), asset(2)

		n := rapid.IntRange(1, 12).Draw(rt, "n")
		for i := 0; i < n; i++ {
			p := rapid.Uint64Range(1, 1_000_000).Draw(rt, "p")
			q := rapid.Uint64Range(1, 1_000_000).Draw(rt, "q")
			fee := rapid.Uint32Range(0, 5_000).Draw(rt, "fee")
			pos := testPosition(a, b, p, q, 10, 10, byte(i))
			pos.Phi.FeeBps = fee
			_, err := m.Open(ctx, pos)
			require.NoError(rt, err)
		}

		ids, err := m.PositionsByPrice(ctx, dextypes.DirectedPair{Start: a, End: b})
		require.NoError(rt, err)
		require.Len(rt, ids, n)

		var prev []byte
		for _, id := range ids {
			pos, ok, err := m.PositionByID(ctx, id)
			require.NoError(rt, err)
			require.True(rt, ok)
			enc, err := dextypes.EncodePrice(pos.Phi, a)
			require.NoError(rt, err)
			if prev != nil {
				require.LessOrEqual(rt, bytes.Compare(prev, enc[:]), 0,
					"price index iteration must be non-decreasing in price")
			}
			prev = append(prev[:0], enc[:]...)
		}
	})
}
