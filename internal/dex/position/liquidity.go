// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package position

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
)

// PriceIndexStartPrefix is the scan prefix covering every directed pair
// starting at start, regardless of end asset. Used by the router to
// enumerate the assets reachable in one hop.
func PriceIndexStartPrefix(start dextypes.AssetID) []byte {
	out := make([]byte, 0, len(priceIndexTag)+32)
	out = append(out, priceIndexTag...)
	out = append(out, start[:]...)
	return out
}

// splitStartScanKey recovers (end, id) from a key under
// PriceIndexStartPrefix(start).
func splitStartScanKey(key []byte) (end dextypes.AssetID, id dextypes.ID, ok bool) {
	want := len(priceIndexTag) + 64 + dextypes.PriceKeyLen + 32
	if len(key) != want {
		return end, id, false
	}
	copy(end[:], key[len(priceIndexTag)+32:])
	copy(id[:], key[len(priceIndexTag)+64+dextypes.PriceKeyLen:])
	return end, id, true
}

// ReachableLiquidity aggregates, per asset reachable in one hop from
// start, the total pay-out reserves of every opened position serving that
// hop. Closed positions hold no index entries and so never contribute,
// which keeps the router from quoting trades it cannot fill.
func (m *Manager) ReachableLiquidity(ctx context.Context, start dextypes.AssetID) (map[dextypes.AssetID]*uint256.Int, error) {
	kvs, err := m.st.NonverifiablePrefixRaw(ctx, Substore, PriceIndexStartPrefix(start))
	if err != nil {
		return nil, err
	}
	agg := make(map[dextypes.AssetID]*uint256.Int)
	for _, kvp := range kvs {
		end, id, ok := splitStartScanKey(kvp.Key)
		if !ok {
			continue
		}
		p, found, err := m.PositionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found || p.State != dextypes.Opened {
			continue
		}
		out, _ := p.ReservesFor(end)
		if out.IsZero() {
			continue
		}
		if agg[end] == nil {
			agg[end] = uint256.NewInt(0)
		}
		agg[end].Add(agg[end], out)
	}
	return agg, nil
}
