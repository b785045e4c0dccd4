// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package router

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/veilstate/veil/internal/dex/candle"
	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
	"github.com/veilstate/veil/internal/kv"
	"github.com/veilstate/veil/internal/state"
)

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

func asset(b byte) dextypes.AssetID {
	var a dextypes.AssetID
	a[0] = b
	return a
}

func openPosition(t require.TestingT, ctx context.Context, m *position.Manager, a1, a2 dextypes.AssetID, p, q, r1, r2 uint64, nonce byte) dextypes.ID {
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
	id, err := m.Open(ctx, pos)
	require.NoError(t, err)
	return id
}

func TestMatcherFillsBestPriceFirst(t *testing.T) {
	ctx := context.Background()
	ov := state.NewOverlay(emptyBase{})
	m := position.NewManager(ov)
	a, b := asset(1), asset(2)

	// Cheap 1:1 with 10 b, dear 2:1 with 10 b.
	cheap := openPosition(t, ctx, m, a, b, 1, 1, 0, 10, 0)
	dear := openPosition(t, ctx, m, a, b, 2, 1, 0, 10, 1)

	matcher := NewMatcher(m, nil)
	unfilled, output, touched, err := matcher.Fill(ctx, dextypes.NewValue(14, a), b)
	require.NoError(t, err)
	require.True(t, unfilled.Amount.IsZero())
	// 10 in drains the cheap position for 10 out; the remaining 4 buys 2
	// from the dear one.
	require.Equal(t, uint64(12), output.Amount.Uint64())
	require.Equal(t, []dextypes.ID{cheap, dear}, touched)

	pos, _, err := m.PositionByID(ctx, cheap)
	require.NoError(t, err)
	require.True(t, pos.Reserves.R2.IsZero(), "cheapest position must drain first")
}

// Scenario: single position, single swap. One 1:1 fee-0 position with
// (10 A, 10 B); a batch swap of 1 A yields 1 B, no unfilled remainder, the
// circuit breaker moves by exactly the reserve deltas, and the block's
// candlestick is flat at price one with both volumes equal to 1 A.
func TestBatchSwapSinglePosition(t *testing.T) {
	ctx := context.Background()
	ov := state.NewOverlay(emptyBase{})
	m := position.NewManager(ov)
	a, b := asset(1), asset(2)
	pair := dextypes.NewPair(a, b)

	openPosition(t, ctx, m, a, b, 1, 1, 10, 10, 0)

	rec := candle.NewRecorder(ov)
	r := NewRouter(ov, nil, 4, rec)
	bsod, err := r.ExecuteBatchSwap(ctx, pair, uint256.NewInt(1), nil, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(1), bsod.Lambda2.Uint64())
	require.True(t, bsod.Unfilled1.IsZero())
	require.True(t, bsod.Lambda1.IsZero())

	vcbA, err := m.VcbBalance(ctx, a)
	require.NoError(t, err)
	vcbB, err := m.VcbBalance(ctx, b)
	require.NoError(t, err)
	require.Equal(t, uint64(11), vcbA.Uint64())
	require.Equal(t, uint64(9), vcbB.Uint64())

	// The record is readable back for SwapClaims.
	got, ok, err := BatchSwapOutput(ctx, ov, pair, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Lambda2.Uint64())

	out1, out2 := got.ProRataOutputs(uint256.NewInt(1), nil)
	require.True(t, out1.IsZero())
	require.Equal(t, uint64(1), out2.Uint64())

	// Candle: one position execution and one swap execution at price one.
	agg := candle.NewAggregator()
	agg.Absorb(ov, 7)
	require.NoError(t, agg.EndBlock(ctx, ov, 7))

	c, ok, err := candle.Candle(ctx, ov, dextypes.DirectedPair{Start: a, End: b}, 7)
	require.NoError(t, err)
	require.True(t, ok)
	one := dextypes.PriceScale
	require.Zero(t, c.Open.Cmp(one))
	require.Zero(t, c.Close.Cmp(one))
	require.Zero(t, c.High.Cmp(one))
	require.Zero(t, c.Low.Cmp(one))
	require.Equal(t, uint64(1), c.DirectVolume.Uint64())
	require.Equal(t, uint64(1), c.SwapVolume.Uint64())
}

// Scenario: multi-hop routing with a misprice. Eight positions form
// A-B, A-pUSD, B-pUSD, C-pUSD; one B:pUSD position is mispriced in favor
// of holders of B. The cheap A->C route threads it; once it is closed the
// same query returns a strictly more expensive (and shorter) path.
func TestPathSearchThreadsMisprice(t *testing.T) {
	ctx := context.Background()
	ov := state.NewOverlay(emptyBase{})
	m := position.NewManager(ov)
	a, b, c, pusd := asset(1), asset(2), asset(3), asset(4)

	openPosition(t, ctx, m, a, b, 1, 1, 1000, 1000, 0)
	openPosition(t, ctx, m, a, b, 2, 1, 1000, 1000, 1)
	openPosition(t, ctx, m, a, pusd, 1, 1, 1000, 1000, 2)
	openPosition(t, ctx, m, a, pusd, 3, 2, 1000, 1000, 3)
	// Mispriced: selling B buys pUSD at half price.
	mispriced := openPosition(t, ctx, m, b, pusd, 1, 2, 1000, 1000, 4)
	openPosition(t, ctx, m, b, pusd, 1, 1, 1000, 1000, 5)
	openPosition(t, ctx, m, c, pusd, 1, 1, 1000, 1000, 6)
	openPosition(t, ctx, m, c, pusd, 5, 4, 1000, 1000, 7)

	r := NewRouter(ov, []dextypes.AssetID{pusd}, 4, nil)
	path, err := r.FindBestPath(ctx, a, c)
	require.NoError(t, err)
	require.Equal(t, []dextypes.AssetID{a, b, pusd, c}, path.Nodes(),
		"cheap route must thread the mispriced pool")
	cheapPrice := path.Price()

	require.NoError(t, m.Close(ctx, mispriced))

	path2, err := r.FindBestPath(ctx, a, c)
	require.NoError(t, err)
	require.Equal(t, []dextypes.AssetID{a, pusd, c}, path2.Nodes(),
		"equal-price tie breaks to the shorter path")
	require.Positive(t, path2.Price().Cmp(cheapPrice),
		"removing the misprice must make the route strictly more expensive")
}

// Router no-worse-than-direct: with a direct position present, the chosen
// route's price never exceeds the direct price.
func TestRouterNoWorseThanDirect(t *testing.T) {
	ctx := context.Background()
	ov := state.NewOverlay(emptyBase{})
	m := position.NewManager(ov)
	a, b, hub := asset(1), asset(2), asset(4)

	direct := openPosition(t, ctx, m, a, b, 3, 1, 1000, 1000, 0)
	openPosition(t, ctx, m, a, hub, 1, 1, 1000, 1000, 1)
	openPosition(t, ctx, m, b, hub, 1, 1, 1000, 1000, 2)

	r := NewRouter(ov, []dextypes.AssetID{hub}, 4, nil)
	path, err := r.FindBestPath(ctx, a, b)
	require.NoError(t, err)

	pos, _, err := m.PositionByID(ctx, direct)
	require.NoError(t, err)
	directPrice, err := pos.Phi.EffectivePrice(a)
	require.NoError(t, err)
	require.LessOrEqual(t, path.Price().Cmp(directPrice), 0)
}

func TestRouteAndFillSplitsAcrossRounds(t *testing.T) {
	ctx := context.Background()
	ov := state.NewOverlay(emptyBase{})
	m := position.NewManager(ov)
	a, b, hub := asset(1), asset(2), asset(4)

	// Direct liquidity is cheap but thin; the hub route is dear but deep.
	openPosition(t, ctx, m, a, b, 1, 1, 0, 5, 0)
	openPosition(t, ctx, m, a, hub, 1, 1, 0, 1000, 1)
	openPosition(t, ctx, m, b, hub, 1, 2, 1000, 0, 2)

	r := NewRouter(ov, []dextypes.AssetID{hub}, 4, nil)
	unfilled, output, err := r.RouteAndFill(ctx, dextypes.NewValue(25, a), b)
	require.NoError(t, err)
	require.True(t, unfilled.Amount.IsZero())
	// 5 a at 1:1 directly, then 20 a -> 20 pUSD -> 10 b via the hub.
	require.Equal(t, uint64(15), output.Amount.Uint64())
}

func TestProRataOutputsFloors(t *testing.T) {
	d := &BatchSwapOutputData{
		Delta1:    uint256.NewInt(3),
		Delta2:    uint256.NewInt(0),
		Lambda1:   uint256.NewInt(0),
		Lambda2:   uint256.NewInt(10),
		Unfilled1: uint256.NewInt(2),
		Unfilled2: uint256.NewInt(0),
	}
	// A 1/3 contributor: floor(10/3) = 3 out, floor(2/3) = 0 refund.
	out1, out2 := d.ProRataOutputs(uint256.NewInt(1), nil)
	require.Equal(t, uint64(0), out1.Uint64())
	require.Equal(t, uint64(3), out2.Uint64())
}

func TestBsodCodecRoundTrip(t *testing.T) {
	d := &BatchSwapOutputData{
		TradingPair: dextypes.NewPair(asset(1), asset(2)),
		Height:      42,
		Delta1:      uint256.NewInt(100),
		Delta2:      uint256.NewInt(200),
		Lambda1:     uint256.NewInt(150),
		Lambda2:     uint256.NewInt(50),
		Unfilled1:   uint256.NewInt(1),
		Unfilled2:   uint256.NewInt(2),
	}
	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	got := new(BatchSwapOutputData)
	require.NoError(t, got.UnmarshalBinary(raw))
	require.Equal(t, d.Height, got.Height)
	require.Zero(t, d.Lambda1.Cmp(got.Lambda1))
	require.Zero(t, d.Unfilled2.Cmp(got.Unfilled2))
}
