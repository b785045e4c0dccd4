// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dextypes

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/hashutil"
)

// PositionState is the lifecycle state of a position.
type PositionState uint8

const (
	// Opened positions can be filled against and are indexed by price.
	Opened PositionState = iota + 1
	// Closed positions are deindexed but still hold reserves.
	Closed
	// Withdrawn positions have had their reserves removed.
	Withdrawn
)

func (s PositionState) String() string {
	switch s {
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case Withdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ID is a position's content-addressed identifier: the hash of its
// immutable fields (phi and nonce). Mutating reserves, state, or sequence
// never changes the id.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// idDomain keeps position ids from colliding with any other use of the
// value hasher.
var idDomain = []byte("veil/dex/position/id")

// Position is one concentrated-liquidity position: an immutable trading
// function plus nonce, mutable reserves, a lifecycle state, and a monotone
// withdrawal sequence.
type Position struct {
	Phi         TradingFunction
	Nonce       [32]byte
	State       PositionState
	Reserves    Reserves
	CloseOnFill bool
	Sequence    uint64
}

// ID hashes the position's immutable fields.
func (p *Position) ID() ID {
	buf := make([]byte, 0, len(idDomain)+32+32+4+32+32+32)
	buf = append(buf, idDomain...)
	buf = append(buf, p.Phi.Pair.Asset1[:]...)
	buf = append(buf, p.Phi.Pair.Asset2[:]...)
	buf = binary.BigEndian.AppendUint32(buf, p.Phi.FeeBps)
	pb := clone(p.Phi.P).Bytes32()
	qb := clone(p.Phi.Q).Bytes32()
	buf = append(buf, pb[:]...)
	buf = append(buf, qb[:]...)
	buf = append(buf, p.Nonce[:]...)
	return ID(hashutil.HashValue(buf).Bytes())
}

// ReservesFor returns the reserves of asset held by p, or false if asset is
// not one of p's pair.
func (p *Position) ReservesFor(asset AssetID) (*uint256.Int, bool) {
	switch {
	case asset.Equal(p.Phi.Pair.Asset1):
		return clone(p.Reserves.R1), true
	case asset.Equal(p.Phi.Pair.Asset2):
		return clone(p.Reserves.R2), true
	default:
		return nil, false
	}
}

const positionEncodedLen = 32 + 32 + 4 + 32 + 32 + 32 + 1 + 1 + 8 + 32 + 32

// MarshalBinary encodes p as fixed-width big-endian fields, the same plain
// framing the storage engine's value slots use.
func (p *Position) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, positionEncodedLen)
	buf = append(buf, p.Phi.Pair.Asset1[:]...)
	buf = append(buf, p.Phi.Pair.Asset2[:]...)
	buf = binary.BigEndian.AppendUint32(buf, p.Phi.FeeBps)
	pb := clone(p.Phi.P).Bytes32()
	qb := clone(p.Phi.Q).Bytes32()
	buf = append(buf, pb[:]...)
	buf = append(buf, qb[:]...)
	buf = append(buf, p.Nonce[:]...)
	buf = append(buf, byte(p.State))
	if p.CloseOnFill {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, p.Sequence)
	r1 := clone(p.Reserves.R1).Bytes32()
	r2 := clone(p.Reserves.R2).Bytes32()
	buf = append(buf, r1[:]...)
	buf = append(buf, r2[:]...)
	return buf, nil
}

// UnmarshalBinary decodes the encoding produced by MarshalBinary.
func (p *Position) UnmarshalBinary(data []byte) error {
	if len(data) != positionEncodedLen {
		return fmt.Errorf("dex: position encoding is %d bytes, want %d", len(data), positionEncodedLen)
	}
	off := 0
	take := func(n int) []byte { b := data[off : off+n]; off += n; return b }

	copy(p.Phi.Pair.Asset1[:], take(32))
	copy(p.Phi.Pair.Asset2[:], take(32))
	p.Phi.FeeBps = binary.BigEndian.Uint32(take(4))
	p.Phi.P = new(uint256.Int).SetBytes(take(32))
	p.Phi.Q = new(uint256.Int).SetBytes(take(32))
	copy(p.Nonce[:], take(32))
	p.State = PositionState(take(1)[0])
	p.CloseOnFill = take(1)[0] != 0
	p.Sequence = binary.BigEndian.Uint64(take(8))
	p.Reserves.R1 = new(uint256.Int).SetBytes(take(32))
	p.Reserves.R2 = new(uint256.Int).SetBytes(take(32))
	return nil
}
