// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package router implements the DEX execution layer above the position
// manager: the best-price-first matcher, the multi-hop path search, and
// end-of-block batch swaps.
package router

import (
	"bytes"
	"context"

	"github.com/google/btree"
	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
)

// ExecutionRecorder receives the matcher's per-fill execution reports; the
// candlestick aggregator implements it. A nil recorder disables recording.
type ExecutionRecorder interface {
	// RecordPositionExecution reports one fill against one position:
	// the pre-trade effective price and the input amount consumed.
	RecordPositionExecution(pair dextypes.DirectedPair, price, directVolume *uint256.Int)
	// RecordSwapExecution reports one user-level swap: the route's
	// pre-trade path price and the swap's input amount.
	RecordSwapExecution(pair dextypes.DirectedPair, price, swapVolume *uint256.Int)
}

// Matcher fills inputs against the price-ordered position index.
type Matcher struct {
	pm  *position.Manager
	rec ExecutionRecorder
}

// NewMatcher wraps a position manager. rec may be nil.
func NewMatcher(pm *position.Manager, rec ExecutionRecorder) *Matcher {
	return &Matcher{pm: pm, rec: rec}
}

// cursorEntry orders matcher candidates by (encoded price, id), the same
// order the persisted index keys sort in.
type cursorEntry struct {
	price [dextypes.PriceKeyLen]byte
	id    dextypes.ID
}

func lessCursorEntry(a, b cursorEntry) bool {
	if c := bytes.Compare(a.price[:], b.price[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// snapshotCursor materializes the current index entries for pair into an
// ordered in-memory tree, so iteration stays stable while fills mutate the
// underlying index (a drained position deindexes itself mid-loop).
func (m *Matcher) snapshotCursor(ctx context.Context, pair dextypes.DirectedPair) (*btree.BTreeG[cursorEntry], error) {
	ids, err := m.pm.PositionsByPrice(ctx, pair)
	if err != nil {
		return nil, err
	}
	tr := btree.NewG[cursorEntry](8, lessCursorEntry)
	for _, id := range ids {
		p, ok, err := m.pm.PositionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || p.State != dextypes.Opened {
			continue
		}
		price, err := dextypes.EncodePrice(p.Phi, pair.Start)
		if err != nil {
			return nil, err
		}
		tr.ReplaceOrInsert(cursorEntry{price: price, id: id})
	}
	return tr, nil
}

// Fill consumes input against every opened position on (input.AssetID ->
// end), best price first, until the input is exhausted or no position can
// pay out. Returns the unfilled remainder, the total output, and the ids
// touched in fill order.
func (m *Matcher) Fill(ctx context.Context, input dextypes.Value, end dextypes.AssetID) (unfilled, output dextypes.Value, touched []dextypes.ID, err error) {
	pair := dextypes.DirectedPair{Start: input.AssetID, End: end}
	cursor, err := m.snapshotCursor(ctx, pair)
	if err != nil {
		return dextypes.Value{}, dextypes.Value{}, nil, err
	}

	remaining := dextypes.Value{Amount: new(uint256.Int).Set(input.Amount), AssetID: input.AssetID}
	total := uint256.NewInt(0)

	iterErr := error(nil)
	cursor.Ascend(func(e cursorEntry) bool {
		if err := ctx.Err(); err != nil {
			iterErr = err
			return false
		}
		if remaining.Amount.IsZero() {
			return false
		}
		before := new(uint256.Int).Set(remaining.Amount)
		left, out, err := m.pm.FillAgainst(ctx, remaining, e.id)
		if err != nil {
			iterErr = err
			return false
		}
		consumed := new(uint256.Int).Sub(before, left.Amount)
		if !consumed.IsZero() && m.rec != nil {
			m.rec.RecordPositionExecution(pair, dextypes.DecodePrice(e.price), consumed)
		}
		if !consumed.IsZero() {
			touched = append(touched, e.id)
		}
		remaining = left
		total.Add(total, out.Amount)
		return true
	})
	if iterErr != nil {
		return dextypes.Value{}, dextypes.Value{}, nil, iterErr
	}
	return remaining, dextypes.Value{Amount: total, AssetID: end}, touched, nil
}

// maxOutput sums the pay-out reserves of every opened position on pair:
// the most a single hop can ever emit.
func (m *Matcher) maxOutput(ctx context.Context, pair dextypes.DirectedPair) (*uint256.Int, error) {
	ids, err := m.pm.PositionsByPrice(ctx, pair)
	if err != nil {
		return nil, err
	}
	total := uint256.NewInt(0)
	for _, id := range ids {
		p, ok, err := m.pm.PositionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || p.State != dextypes.Opened {
			continue
		}
		out, _ := p.ReservesFor(pair.End)
		total.Add(total, out)
	}
	return total, nil
}

// inputForOutput walks pair's positions best-first and returns the input
// needed to extract desired units of pair.End, rounding down per position
// so the plan never overshoots. Reports the output actually plannable
// (less than desired when liquidity runs out).
func (m *Matcher) inputForOutput(ctx context.Context, pair dextypes.DirectedPair, desired *uint256.Int) (in, out *uint256.Int, err error) {
	cursor, err := m.snapshotCursor(ctx, pair)
	if err != nil {
		return nil, nil, err
	}
	need := new(uint256.Int).Set(desired)
	in = uint256.NewInt(0)
	out = uint256.NewInt(0)
	iterErr := error(nil)
	cursor.Ascend(func(e cursorEntry) bool {
		if need.IsZero() {
			return false
		}
		p, ok, err := m.pm.PositionByID(ctx, e.id)
		if err != nil {
			iterErr = err
			return false
		}
		if !ok || p.State != dextypes.Opened {
			return true
		}
		avail, _ := p.ReservesFor(pair.End)
		take := new(uint256.Int).Set(need)
		if take.Cmp(avail) > 0 {
			take.Set(avail)
		}
		if take.IsZero() {
			return true
		}
		cost, err := p.Phi.InputForOutput(pair.Start, take)
		if err != nil {
			iterErr = err
			return false
		}
		in.Add(in, cost)
		out.Add(out, take)
		need.Sub(need, take)
		return true
	})
	if iterErr != nil {
		return nil, nil, iterErr
	}
	return in, out, nil
}
