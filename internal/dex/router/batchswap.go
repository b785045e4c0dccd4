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
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
)

// BatchSwapOutputData is the per-(pair, height) record end-of-block batch
// execution writes; SwapClaim actions read it back to compute each swap's
// pro-rata share.
type BatchSwapOutputData struct {
	TradingPair dextypes.Pair
	Height      uint64

	// Aggregated inputs: delta_1 of asset-1 swapped toward asset-2 and
	// delta_2 of asset-2 swapped toward asset-1.
	Delta1 *uint256.Int
	Delta2 *uint256.Int
	// Realized outputs: lambda_2 of asset-2 produced from delta_1, and
	// lambda_1 of asset-1 produced from delta_2.
	Lambda1 *uint256.Int
	Lambda2 *uint256.Int
	// Unrouted remainders returned pro rata in the input asset.
	Unfilled1 *uint256.Int
	Unfilled2 *uint256.Int
}

// BsodKey is the verifiable key a batch swap record is stored under.
func BsodKey(pair dextypes.Pair, height uint64) string {
	return fmt.Sprintf("dex/bsod/%s/%s/%016x", pair.Asset1, pair.Asset2, height)
}

const bsodEncodedLen = 32 + 32 + 8 + 6*32

// MarshalBinary encodes d as fixed-width big-endian fields.
func (d *BatchSwapOutputData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, bsodEncodedLen)
	buf = append(buf, d.TradingPair.Asset1[:]...)
	buf = append(buf, d.TradingPair.Asset2[:]...)
	buf = binary.BigEndian.AppendUint64(buf, d.Height)
	for _, v := range []*uint256.Int{d.Delta1, d.Delta2, d.Lambda1, d.Lambda2, d.Unfilled1, d.Unfilled2} {
		b := zeroIfNil(v).Bytes32()
		buf = append(buf, b[:]...)
	}
	return buf, nil
}

// UnmarshalBinary decodes the encoding produced by MarshalBinary.
func (d *BatchSwapOutputData) UnmarshalBinary(data []byte) error {
	if len(data) != bsodEncodedLen {
		return fmt.Errorf("dex: batch swap record is %d bytes, want %d", len(data), bsodEncodedLen)
	}
	copy(d.TradingPair.Asset1[:], data[:32])
	copy(d.TradingPair.Asset2[:], data[32:64])
	d.Height = binary.BigEndian.Uint64(data[64:72])
	fields := []**uint256.Int{&d.Delta1, &d.Delta2, &d.Lambda1, &d.Lambda2, &d.Unfilled1, &d.Unfilled2}
	off := 72
	for _, f := range fields {
		*f = new(uint256.Int).SetBytes(data[off : off+32])
		off += 32
	}
	return nil
}

func zeroIfNil(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v
}

// ProRataOutputs computes the share owed to one swap that contributed
// (delta1i, delta2i) to this batch: (out1, out2) in asset-1/asset-2 base
// units, combining the realized output and the unfilled refund. Division
// floors; the sub-unit dust a floor drops stays in the batch rather than
// being minted to anyone.
func (d *BatchSwapOutputData) ProRataOutputs(delta1i, delta2i *uint256.Int) (out1, out2 *uint256.Int) {
	out1 = uint256.NewInt(0)
	out2 = uint256.NewInt(0)
	share := func(total, userDelta, batchDelta *uint256.Int) *uint256.Int {
		if batchDelta.IsZero() || userDelta.IsZero() {
			return uint256.NewInt(0)
		}
		q, _ := new(uint256.Int).MulDivOverflow(zeroIfNil(total), userDelta, batchDelta)
		return q
	}
	d1 := zeroIfNil(delta1i)
	d2 := zeroIfNil(delta2i)
	// delta_1 contributions earn lambda_2 plus an unfilled_1 refund.
	out2.Add(out2, share(d.Lambda2, d1, zeroIfNil(d.Delta1)))
	out1.Add(out1, share(d.Unfilled1, d1, zeroIfNil(d.Delta1)))
	// delta_2 contributions earn lambda_1 plus an unfilled_2 refund.
	out1.Add(out1, share(d.Lambda1, d2, zeroIfNil(d.Delta2)))
	out2.Add(out2, share(d.Unfilled2, d2, zeroIfNil(d.Delta2)))
	return out1, out2
}

// ExecuteBatchSwap routes a pair's aggregated inputs in both directions,
// writes the BatchSwapOutputData record, and returns it. The per-fill
// circuit-breaker updates inside the matcher compose to the batch totals,
// so the VCB stays consistent across the whole batch.
func (r *Router) ExecuteBatchSwap(ctx context.Context, pair dextypes.Pair, delta1, delta2 *uint256.Int, height uint64) (*BatchSwapOutputData, error) {
	d := &BatchSwapOutputData{
		TradingPair: pair,
		Height:      height,
		Delta1:      zeroIfNil(delta1),
		Delta2:      zeroIfNil(delta2),
		Lambda1:     uint256.NewInt(0),
		Lambda2:     uint256.NewInt(0),
		Unfilled1:   uint256.NewInt(0),
		Unfilled2:   uint256.NewInt(0),
	}

	if !d.Delta1.IsZero() {
		unfilled, out, err := r.RouteAndFill(ctx,
			dextypes.Value{Amount: d.Delta1, AssetID: pair.Asset1}, pair.Asset2)
		if err != nil {
			return nil, fmt.Errorf("dex: batch swap %s->%s: %w", pair.Asset1, pair.Asset2, err)
		}
		d.Lambda2 = out.Amount
		d.Unfilled1 = unfilled.Amount
	}
	if !d.Delta2.IsZero() {
		unfilled, out, err := r.RouteAndFill(ctx,
			dextypes.Value{Amount: d.Delta2, AssetID: pair.Asset2}, pair.Asset1)
		if err != nil {
			return nil, fmt.Errorf("dex: batch swap %s->%s: %w", pair.Asset2, pair.Asset1, err)
		}
		d.Lambda1 = out.Amount
		d.Unfilled2 = unfilled.Amount
	}

	raw, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := r.st.Put(ctx, position.Substore, BsodKey(pair, height), raw); err != nil {
		return nil, err
	}
	return d, nil
}

// BatchSwapOutput reads back a previously-written record, reporting false
// if no batch ran for (pair, height).
func BatchSwapOutput(ctx context.Context, st position.StateRW, pair dextypes.Pair, height uint64) (*BatchSwapOutputData, bool, error) {
	raw, ok, err := st.Get(ctx, position.Substore, BsodKey(pair, height))
	if err != nil || !ok {
		return nil, false, err
	}
	d := new(BatchSwapOutputData)
	if err := d.UnmarshalBinary(raw); err != nil {
		return nil, false, err
	}
	return d, true, nil
}
