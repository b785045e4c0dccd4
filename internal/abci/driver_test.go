// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package abci

import (
	"context"
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/veilstate/veil/internal/dex/candle"
	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
	"github.com/veilstate/veil/internal/dex/router"
	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/kv/memkv"
	"github.com/veilstate/veil/internal/state"
	"github.com/veilstate/veil/internal/statetypes"
	"github.com/veilstate/veil/internal/storage"
)

var testSubstores = []string{"ibc", "dex", "misc", "cometbft-data"}

func newTestDriver(t *testing.T) (*Driver, *storage.Storage) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Load(ctx, memkv.New(), testSubstores, 8)
	require.NoError(t, err)
	d := New(st, Options{})
	_, err = d.InitChain(ctx, "veil-test")
	require.NoError(t, err)
	return d, st
}

func asset(b byte) dextypes.AssetID {
	var a dextypes.AssetID
	a[0] = b
	return a
}

func openAction(a1, a2 dextypes.AssetID, p, q, r1, r2 uint64, nonce byte) statetypes.PositionOpen {
	pos := dextypes.Position{
		Phi: dextypes.TradingFunction{
			Pair: dextypes.NewPair(a1, a2),
			P:    uint256.NewInt(p),
			Q:    uint256.NewInt(q),
		},
		State:    dextypes.Opened,
		Reserves: dextypes.Reserves{R1: uint256.NewInt(r1), R2: uint256.NewInt(r2)},
	}
	pos.Nonce[0] = nonce
	return statetypes.PositionOpen{Position: pos}
}

func runBlock(t *testing.T, d *Driver, height uint64, txs ...*statetypes.Transaction) hashutil.Hash {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.BeginBlock(ctx, height))
	for _, tx := range txs {
		_, err := d.DeliverTx(ctx, tx)
		require.NoError(t, err)
	}
	require.NoError(t, d.EndBlock(ctx))
	root, err := d.Commit(ctx)
	require.NoError(t, err)
	return root
}

// Scenario: single position, single swap, end to end through the driver.
func TestSinglePositionSingleSwap(t *testing.T) {
	ctx := context.Background()
	d, st := newTestDriver(t)
	a, b := asset(1), asset(2)
	pair := dextypes.NewPair(a, b)

	runBlock(t, d, 1, &statetypes.Transaction{Actions: []statetypes.Action{
		openAction(a, b, 1, 1, 10, 10, 0),
	}})

	runBlock(t, d, 2, &statetypes.Transaction{Actions: []statetypes.Action{
		statetypes.Swap{Pair: pair, Delta1: uint256.NewInt(1)},
	}})

	snap := st.LatestSnapshot()
	ov := state.NewOverlay(snap)

	bsod, ok, err := router.BatchSwapOutput(ctx, ov, pair, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), bsod.Lambda2.Uint64())
	require.True(t, bsod.Unfilled1.IsZero())

	pm := position.NewManager(ov)
	vcbA, err := pm.VcbBalance(ctx, a)
	require.NoError(t, err)
	vcbB, err := pm.VcbBalance(ctx, b)
	require.NoError(t, err)
	require.Equal(t, uint64(11), vcbA.Uint64())
	require.Equal(t, uint64(9), vcbB.Uint64())

	c, ok, err := candle.Candle(ctx, ov, dextypes.DirectedPair{Start: a, End: b}, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, c.Open.Cmp(dextypes.PriceScale))
	require.Zero(t, c.High.Cmp(c.Low))
	require.Equal(t, uint64(1), c.DirectVolume.Uint64())
	require.Equal(t, uint64(1), c.SwapVolume.Uint64())
}

// Scenario: an empty commit advances the root substore only, and still
// changes the global root.
func TestEmptyCommitAdvancesRootSubstoreOnly(t *testing.T) {
	ctx := context.Background()
	_, st := newTestDriver(t)

	before := st.LatestSnapshot()
	beforeDex, _ := before.SubstoreRoot("dex")

	ov := state.NewOverlay(before)
	batch, err := st.PrepareCommit(ctx, ov)
	require.NoError(t, err)
	after, err := st.CommitBatch(ctx, batch)
	require.NoError(t, err)

	require.Equal(t, before.Version()+1, after.Version())
	afterDex, _ := after.SubstoreRoot("dex")
	require.True(t, beforeDex.Equal(afterDex), "untouched substore roots must carry over")
	require.False(t, before.Root().Equal(after.Root()),
		"root substore content embeds its version bump, so the global root moves")
}

// Scenario: a corrupted circuit breaker aborts the offending transaction
// while the rest of the block commits.
func TestVcbUnderflowAbortsTxButBlockCommits(t *testing.T) {
	ctx := context.Background()
	d, st := newTestDriver(t)
	a, b := asset(1), asset(2)

	open := openAction(a, b, 1, 1, 1, 0, 0)
	id := open.Position.ID()
	runBlock(t, d, 1, &statetypes.Transaction{Actions: []statetypes.Action{
		open,
		statetypes.PositionClose{ID: id},
	}})

	// Corrupt the counter out of band, as a ledger bug would.
	ov := state.NewOverlay(st.LatestSnapshot())
	zero := uint256.NewInt(0).Bytes32()
	require.NoError(t, ov.Put(ctx, "dex", fmt.Sprintf("dex/vcb/%s", a), zero[:]))
	batch, err := st.PrepareCommit(ctx, ov)
	require.NoError(t, err)
	_, err = st.CommitBatch(ctx, batch)
	require.NoError(t, err)

	reserves := dextypes.Reserves{R1: uint256.NewInt(1), R2: uint256.NewInt(0)}
	withdraw := statetypes.PositionWithdraw{
		ID:                 id,
		ReservesCommitment: reserves.Commitment().Bytes(),
		Sequence:           0,
	}
	var validator [32]byte
	validator[0] = 0xaa

	require.NoError(t, d.BeginBlock(ctx, 2))
	_, err = d.DeliverTx(ctx, &statetypes.Transaction{Actions: []statetypes.Action{
		statetypes.Delegate{Validator: validator, Amount: uint256.NewInt(100)},
	}})
	require.NoError(t, err)
	_, err = d.DeliverTx(ctx, &statetypes.Transaction{Actions: []statetypes.Action{withdraw}})
	require.ErrorIs(t, err, engineerr.ErrVcbUnderflow)
	require.NoError(t, d.EndBlock(ctx))
	_, err = d.Commit(ctx)
	require.NoError(t, err)

	snap := st.LatestSnapshot()
	checkOv := state.NewOverlay(snap)
	pm := position.NewManager(checkOv)
	pos, ok, err := pm.PositionByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dextypes.Closed, pos.State, "aborted withdrawal must not change position state")

	raw, ok, err := snap.Get(ctx, "misc", fmt.Sprintf("staking/delegation/%x", validator[:]))
	require.NoError(t, err)
	require.True(t, ok, "the block's other transaction must still commit")
	require.Equal(t, uint64(100), new(uint256.Int).SetBytes(raw).Uint64())
}

// Root determinism: two independent replays of the same block sequence
// produce identical global roots at every commit.
func TestRootDeterminismAcrossReplays(t *testing.T) {
	blocks := func(d *Driver, t *testing.T) []hashutil.Hash {
		a, b := asset(1), asset(2)
		var roots []hashutil.Hash
		roots = append(roots, runBlock(t, d, 1, &statetypes.Transaction{Actions: []statetypes.Action{
			openAction(a, b, 1, 1, 50, 50, 0),
			openAction(a, b, 3, 2, 40, 40, 1),
		}}))
		roots = append(roots, runBlock(t, d, 2, &statetypes.Transaction{Actions: []statetypes.Action{
			statetypes.Swap{Pair: dextypes.NewPair(a, b), Delta1: uint256.NewInt(7)},
			statetypes.Output{Commitment: hashutil.HashValue([]byte("note-1")), Remember: true},
		}}))
		roots = append(roots, runBlock(t, d, 3))
		return roots
	}

	d1, _ := newTestDriver(t)
	d2, _ := newTestDriver(t)
	roots1 := blocks(d1, t)
	roots2 := blocks(d2, t)
	require.Equal(t, len(roots1), len(roots2))
	for i := range roots1 {
		require.True(t, roots1[i].Equal(roots2[i]), "root mismatch at commit %d", i)
	}
}

// The commitment tree survives commits: a remembered output is witnessable
// in the next block, and its anchor is persisted in verifiable state.
func TestCommitmentTreePersistsAcrossBlocks(t *testing.T) {
	ctx := context.Background()
	d, st := newTestDriver(t)

	note := hashutil.HashValue([]byte("note-persist"))
	runBlock(t, d, 1, &statetypes.Transaction{Actions: []statetypes.Action{
		statetypes.Output{Commitment: note, Remember: true},
	}})

	snap := st.LatestSnapshot()
	_, ok, err := snap.Get(ctx, "misc", fmt.Sprintf("shielded/anchor/%016x", uint64(1)))
	require.NoError(t, err)
	require.True(t, ok, "block anchor must be committed")

	require.NoError(t, d.BeginBlock(ctx, 2))
	proof, found := d.Tree().Witness(note)
	require.True(t, found, "remembered commitment must survive the commit")
	require.True(t, proof.Verify(note, d.Tree().Root()))
	require.NoError(t, d.EndBlock(ctx))
	_, err = d.Commit(ctx)
	require.NoError(t, err)
}

// A spend's nullifier is rejected on replay, in the same or a later block.
func TestDoubleSpendRejected(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)

	spend := statetypes.Spend{Nullifier: hashutil.HashValue([]byte("nf-1"))}
	runBlock(t, d, 1, &statetypes.Transaction{Actions: []statetypes.Action{spend}})

	require.NoError(t, d.BeginBlock(ctx, 2))
	_, err := d.DeliverTx(ctx, &statetypes.Transaction{Actions: []statetypes.Action{spend}})
	require.Error(t, err)
	require.NoError(t, d.EndBlock(ctx))
	_, err = d.Commit(ctx)
	require.NoError(t, err)
}
