// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package position implements the DEX position lifecycle: opening, filling,
// closing, withdrawing, the price-ordered secondary index, and the per-asset
// value circuit breaker. All reads and writes go through the injected
// StateRW capability pair, so the same Manager runs against a transaction
// overlay during block processing and against a bare snapshot in read-only
// queries.
package position

import (
	"context"
	"fmt"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/kv"
	"github.com/veilstate/veil/internal/state"
)

// StateRW is what the manager needs from its backing state: the read/write
// capability split plus non-verifiable prefix scans for the price index.
// *state.Overlay satisfies it.
type StateRW interface {
	state.StateRead
	state.StateWrite
	NonverifiablePrefixRaw(ctx context.Context, substore string, prefix []byte) ([]kv.KVPair, error)
}

// Manager is the position manager. It is a thin stateless wrapper over st;
// constructing one per transaction is free.
type Manager struct {
	st StateRW
}

// NewManager wraps st.
func NewManager(st StateRW) *Manager {
	return &Manager{st: st}
}

// PositionByID loads a position, reporting false if the id is unknown.
func (m *Manager) PositionByID(ctx context.Context, id dextypes.ID) (*dextypes.Position, bool, error) {
	raw, ok, err := m.st.Get(ctx, Substore, stateKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	p := new(dextypes.Position)
	if err := p.UnmarshalBinary(raw); err != nil {
		return nil, false, fmt.Errorf("dex: position %s: %w", id, err)
	}
	return p, true, nil
}

// Open validates and opens a new position: rejects duplicates, credits the
// circuit breaker with both reserves, indexes it by price, and persists it.
func (m *Manager) Open(ctx context.Context, p *dextypes.Position) (dextypes.ID, error) {
	id := p.ID()
	if err := p.Phi.Validate(); err != nil {
		return id, err
	}
	if p.State != dextypes.Opened {
		return id, fmt.Errorf("dex: cannot open position in state %s", p.State)
	}
	if _, exists, err := m.PositionByID(ctx, id); err != nil {
		return id, err
	} else if exists {
		return id, fmt.Errorf("%w: %s", engineerr.ErrDuplicatePosition, id)
	}
	if err := m.vcbCredit(ctx, dextypes.Value{Amount: p.Reserves.R1, AssetID: p.Phi.Pair.Asset1}); err != nil {
		return id, err
	}
	if err := m.vcbCredit(ctx, dextypes.Value{Amount: p.Reserves.R2, AssetID: p.Phi.Pair.Asset2}); err != nil {
		return id, err
	}
	return id, m.putPosition(ctx, nil, p)
}

// putPosition clears prev's price-index entries, re-indexes p if it is
// Opened at its current effective price, and writes the position record.
// The circuit breaker is NOT touched here: callers account for reserve
// deltas explicitly, so putPosition stays usable for pure state
// transitions.
func (m *Manager) putPosition(ctx context.Context, prev, p *dextypes.Position) error {
	id := p.ID()
	if prev != nil {
		if err := m.deindex(ctx, prev); err != nil {
			return err
		}
	}
	if p.State == dextypes.Opened {
		if err := m.index(ctx, p); err != nil {
			return err
		}
	}
	raw, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return m.st.Put(ctx, Substore, stateKey(id), raw)
}

// index writes p's price-index entries: one per direction of its pair, but
// only for directions whose pay-out reserve is nonzero (a position with
// nothing to give out in a direction is not a candidate for fills in that
// direction).
func (m *Manager) index(ctx context.Context, p *dextypes.Position) error {
	id := p.ID()
	dirs, err := directionsOf(p)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		out, _ := p.ReservesFor(dir.pair.End)
		if out.IsZero() {
			continue
		}
		if err := m.st.NonverifiablePut(ctx, Substore, priceIndexKey(dir.pair, dir.price, id), id[:]); err != nil {
			return err
		}
	}
	return nil
}

// deindex removes both directions' entries unconditionally.
func (m *Manager) deindex(ctx context.Context, p *dextypes.Position) error {
	id := p.ID()
	dirs, err := directionsOf(p)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := m.st.NonverifiableDelete(ctx, Substore, priceIndexKey(dir.pair, dir.price, id)); err != nil {
			return err
		}
	}
	return nil
}

type direction struct {
	pair  dextypes.DirectedPair
	price [dextypes.PriceKeyLen]byte
}

// directionsOf enumerates the two directed pairs a position can serve,
// each with its encoded effective price.
func directionsOf(p *dextypes.Position) ([]direction, error) {
	pairs := [2]dextypes.DirectedPair{
		{Start: p.Phi.Pair.Asset1, End: p.Phi.Pair.Asset2},
		{Start: p.Phi.Pair.Asset2, End: p.Phi.Pair.Asset1},
	}
	out := make([]direction, 0, 2)
	for _, dp := range pairs {
		price, err := dextypes.EncodePrice(p.Phi, dp.Start)
		if err != nil {
			return nil, err
		}
		out = append(out, direction{pair: dp, price: price})
	}
	return out, nil
}

// FillAgainst executes input against the position id: loads it, rejects
// non-Opened positions, runs the trading function, adjusts the circuit
// breaker by the exact reserve deltas, and writes the updated position
// back (re-indexing it, since a drained pay-out side drops out of the
// index). If the position fully drains its pay-out side and has
// CloseOnFill set, it transitions to Closed.
func (m *Manager) FillAgainst(ctx context.Context, input dextypes.Value, id dextypes.ID) (unfilled, output dextypes.Value, err error) {
	p, ok, err := m.PositionByID(ctx, id)
	if err != nil {
		return dextypes.Value{}, dextypes.Value{}, err
	}
	if !ok {
		return dextypes.Value{}, dextypes.Value{}, fmt.Errorf("%w: %s", engineerr.ErrPositionNotOpened, id)
	}
	if p.State != dextypes.Opened {
		return dextypes.Value{}, dextypes.Value{}, fmt.Errorf("%w: %s is %s", engineerr.ErrPositionNotOpened, id, p.State)
	}

	prev := *p
	unfilled, newRes, output, err := p.Phi.Fill(input, p.Reserves)
	if err != nil {
		return dextypes.Value{}, dextypes.Value{}, err
	}

	if err := m.vcbAdjust(ctx, p.Phi.Pair.Asset1, p.Reserves.R1, newRes.R1); err != nil {
		return dextypes.Value{}, dextypes.Value{}, err
	}
	if err := m.vcbAdjust(ctx, p.Phi.Pair.Asset2, p.Reserves.R2, newRes.R2); err != nil {
		return dextypes.Value{}, dextypes.Value{}, err
	}

	p.Reserves = newRes
	if p.CloseOnFill {
		if out, _ := p.ReservesFor(output.AssetID); out.IsZero() {
			p.State = dextypes.Closed
		}
	}
	if err := m.putPosition(ctx, &prev, p); err != nil {
		return dextypes.Value{}, dextypes.Value{}, err
	}
	return unfilled, output, nil
}

// Close transitions an Opened position to Closed and removes it from the
// price index. Its reserves stay on the books (and in the circuit breaker)
// until withdrawal.
func (m *Manager) Close(ctx context.Context, id dextypes.ID) error {
	p, ok, err := m.PositionByID(ctx, id)
	if err != nil {
		return err
	}
	if !ok || p.State != dextypes.Opened {
		return fmt.Errorf("%w: %s", engineerr.ErrPositionNotOpened, id)
	}
	prev := *p
	p.State = dextypes.Closed
	return m.putPosition(ctx, &prev, p)
}

// Withdraw removes the reserves of a Closed (first withdrawal, sequence 0)
// or already-Withdrawn (subsequent withdrawals, strictly increasing
// sequence) position. The caller proves it knows the current reserves by
// supplying their commitment; the circuit breaker is debited by exactly
// the withdrawn amounts.
func (m *Manager) Withdraw(ctx context.Context, id dextypes.ID, expected [32]byte, sequence uint64) (dextypes.Reserves, error) {
	p, ok, err := m.PositionByID(ctx, id)
	if err != nil {
		return dextypes.Reserves{}, err
	}
	if !ok {
		return dextypes.Reserves{}, fmt.Errorf("dex: withdraw of unknown position %s", id)
	}
	switch p.State {
	case dextypes.Closed:
		if sequence != 0 {
			return dextypes.Reserves{}, fmt.Errorf("%w: first withdrawal must have sequence 0, got %d", engineerr.ErrSequenceMismatch, sequence)
		}
	case dextypes.Withdrawn:
		if sequence != p.Sequence+1 {
			return dextypes.Reserves{}, fmt.Errorf("%w: want %d, got %d", engineerr.ErrSequenceMismatch, p.Sequence+1, sequence)
		}
	default:
		return dextypes.Reserves{}, fmt.Errorf("dex: cannot withdraw position in state %s", p.State)
	}
	if got := p.Reserves.Commitment().Bytes(); got != expected {
		return dextypes.Reserves{}, fmt.Errorf("%w: position %s", engineerr.ErrReservesCommitmentMismatch, id)
	}

	withdrawn := p.Reserves.Clone()
	if err := m.vcbDebit(ctx, dextypes.Value{Amount: withdrawn.R1, AssetID: p.Phi.Pair.Asset1}); err != nil {
		return dextypes.Reserves{}, err
	}
	if err := m.vcbDebit(ctx, dextypes.Value{Amount: withdrawn.R2, AssetID: p.Phi.Pair.Asset2}); err != nil {
		return dextypes.Reserves{}, err
	}

	prev := *p
	p.State = dextypes.Withdrawn
	p.Sequence = sequence
	p.Reserves = dextypes.Reserves{}
	if err := m.putPosition(ctx, &prev, p); err != nil {
		return dextypes.Reserves{}, err
	}
	return withdrawn, nil
}

// PositionsByPrice lists the ids of every indexed position selling
// pair.End, best (lowest) effective price first, ties broken by id. The
// ordering falls straight out of the index key layout.
func (m *Manager) PositionsByPrice(ctx context.Context, pair dextypes.DirectedPair) ([]dextypes.ID, error) {
	kvs, err := m.st.NonverifiablePrefixRaw(ctx, Substore, PriceIndexPrefix(pair))
	if err != nil {
		return nil, err
	}
	ids := make([]dextypes.ID, 0, len(kvs))
	for _, kvp := range kvs {
		_, id, ok := SplitPriceIndexKey(kvp.Key)
		if !ok {
			return nil, fmt.Errorf("dex: malformed price index key %x", kvp.Key)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
