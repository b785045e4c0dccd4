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
	"fmt"

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/engineerr"
)

// The value circuit breaker: a per-asset counter that must equal, at all
// times, the sum of that asset's reserves over every position still holding
// reserves. Every reserve change credits or debits it by the exact delta;
// a debit that would underflow aborts the containing transaction.

// VcbBalance reads the circuit-breaker counter for asset, zero if never
// credited.
func (m *Manager) VcbBalance(ctx context.Context, asset dextypes.AssetID) (*uint256.Int, error) {
	raw, ok, err := m.st.Get(ctx, Substore, vcbKey(asset))
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("dex: malformed vcb counter for %s", asset)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (m *Manager) vcbWrite(ctx context.Context, asset dextypes.AssetID, balance *uint256.Int) error {
	b := balance.Bytes32()
	return m.st.Put(ctx, Substore, vcbKey(asset), b[:])
}

// vcbCredit adds v to the circuit breaker, failing with ErrVcbOverflow on
// 256-bit overflow.
func (m *Manager) vcbCredit(ctx context.Context, v dextypes.Value) error {
	if v.IsZero() {
		return nil
	}
	bal, err := m.VcbBalance(ctx, v.AssetID)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, v.Amount)
	if overflow {
		return fmt.Errorf("%w: asset %s", engineerr.ErrVcbOverflow, v.AssetID)
	}
	return m.vcbWrite(ctx, v.AssetID, sum)
}

// vcbDebit subtracts v, failing with ErrVcbUnderflow if the counter would
// go negative. An underflow means the position ledger and the counter have
// diverged, so the caller must abort the transaction.
func (m *Manager) vcbDebit(ctx context.Context, v dextypes.Value) error {
	if v.IsZero() {
		return nil
	}
	bal, err := m.VcbBalance(ctx, v.AssetID)
	if err != nil {
		return err
	}
	diff, underflow := new(uint256.Int).SubOverflow(bal, v.Amount)
	if underflow {
		return fmt.Errorf("%w: asset %s, balance %s, debit %s",
			engineerr.ErrVcbUnderflow, v.AssetID, bal.Dec(), v.Amount.Dec())
	}
	return m.vcbWrite(ctx, v.AssetID, diff)
}

// vcbAdjust applies the signed reserve delta from -> to for one asset.
func (m *Manager) vcbAdjust(ctx context.Context, asset dextypes.AssetID, before, after *uint256.Int) error {
	switch before.Cmp(after) {
	case -1:
		delta := new(uint256.Int).Sub(after, before)
		return m.vcbCredit(ctx, dextypes.Value{Amount: delta, AssetID: asset})
	case 1:
		delta := new(uint256.Int).Sub(before, after)
		return m.vcbDebit(ctx, dextypes.Value{Amount: delta, AssetID: asset})
	default:
		return nil
	}
}
