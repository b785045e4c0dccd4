// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dextypes

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/hashutil"
)

// FeeScale is the denominator of the basis-point fee: a FeeBps of 25 takes
// 25/10_000 of every input before it reaches the trading function.
const FeeScale = 10_000

// PriceScale is the fixed-point scale for effective prices: a price of
// exactly one is 2^64. Prices fit in 128 bits; EncodePrice clamps anything
// larger.
var PriceScale = new(uint256.Int).Lsh(uint256.NewInt(1), 64)

// maxPQ bounds P and Q to 128 bits so price and fill arithmetic never
// overflows a 256-bit intermediate.
var maxPQ = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

// TradingFunction is the immutable half of a position: the pair it trades,
// its fee in basis points, and the price coefficients (p, q). Selling
// asset-1 for asset-2 happens at price p/q asset-1 per unit of asset-2,
// grossed up by the fee; flipping the pair flips (p, q).
type TradingFunction struct {
	Pair   Pair
	FeeBps uint32
	P      *uint256.Int
	Q      *uint256.Int
}

// Validate rejects coefficients the fill arithmetic cannot handle: zero or
// >=2^128 p/q, and a fee that would consume the entire input.
func (phi TradingFunction) Validate() error {
	if phi.P == nil || phi.P.IsZero() || phi.Q == nil || phi.Q.IsZero() {
		return errors.New("dex: trading function requires nonzero p and q")
	}
	if phi.P.Cmp(maxPQ) >= 0 || phi.Q.Cmp(maxPQ) >= 0 {
		return errors.New("dex: trading function coefficient exceeds 128 bits")
	}
	if phi.FeeBps >= FeeScale {
		return errors.New("dex: fee must be below 100%")
	}
	if phi.Pair.Asset1.Equal(phi.Pair.Asset2) {
		return errors.New("dex: trading pair assets must differ")
	}
	return nil
}

// orient returns (p, q) oriented so the holder of start pays p/q units of
// start per unit of the other asset.
func (phi TradingFunction) orient(start AssetID) (p, q *uint256.Int, end AssetID, err error) {
	switch {
	case start.Equal(phi.Pair.Asset1):
		return phi.P, phi.Q, phi.Pair.Asset2, nil
	case start.Equal(phi.Pair.Asset2):
		return phi.Q, phi.P, phi.Pair.Asset1, nil
	default:
		return nil, nil, AssetID{}, fmt.Errorf("dex: asset %s is not in pair", start)
	}
}

// EffectivePrice returns the fee-adjusted price for selling start, as a
// PriceScale fixed-point number: units of start paid per unit of the other
// asset, so lower is better for the trader.
func (phi TradingFunction) EffectivePrice(start AssetID) (*uint256.Int, error) {
	p, q, _, err := phi.orient(start)
	if err != nil {
		return nil, err
	}
	// price = p * FeeScale * 2^64 / (q * (FeeScale - fee))
	num := new(uint256.Int).Mul(p, uint256.NewInt(FeeScale))
	num.Mul(num, PriceScale)
	den := new(uint256.Int).Mul(q, uint256.NewInt(FeeScale-uint64(phi.FeeBps)))
	return num.Div(num, den), nil
}

// Reserves is the mutable half of a position, in asset-1/asset-2 base units.
type Reserves struct {
	R1 *uint256.Int
	R2 *uint256.Int
}

// Clone deep-copies r.
func (r Reserves) Clone() Reserves {
	return Reserves{R1: clone(r.R1), R2: clone(r.R2)}
}

// Commitment folds the reserves to a single field element, checked by
// position withdrawals against the owner's expected value.
func (r Reserves) Commitment() hashutil.Hash {
	var buf [64]byte
	r1 := clone(r.R1).Bytes32()
	r2 := clone(r.R2).Bytes32()
	copy(buf[:32], r1[:])
	copy(buf[32:], r2[:])
	return hashutil.HashValue(buf[:])
}

// oriented gives fill arithmetic a direction-free view of the reserves:
// rIn is the side the input accumulates into, rOut the side paid out.
func (r Reserves) oriented(phi TradingFunction, start AssetID) (rIn, rOut *uint256.Int) {
	if start.Equal(phi.Pair.Asset1) {
		return r.R1, r.R2
	}
	return r.R2, r.R1
}

// Fill executes input against (phi, reserves): the trader receives
// floor(input * gamma * q / p) of the opposite asset where gamma is the fee
// discount, capped by the position's pay-out reserves. Returns the unfilled
// input remainder, the updated reserves, and the output. Rounding always
// favors the position.
func (phi TradingFunction) Fill(input Value, res Reserves) (unfilled Value, newRes Reserves, output Value, err error) {
	p, q, end, err := phi.orient(input.AssetID)
	if err != nil {
		return Value{}, Reserves{}, Value{}, err
	}
	gammaNum := uint256.NewInt(FeeScale - uint64(phi.FeeBps))
	gammaDen := uint256.NewInt(FeeScale)

	in := clone(input.Amount)
	rIn, rOut := res.Clone().oriented(phi, input.AssetID)

	// lambda = floor(in * gammaNum * q / (gammaDen * p))
	scaledIn := new(uint256.Int).Mul(in, gammaNum)
	den := new(uint256.Int).Mul(gammaDen, p)
	lambda, overflow := new(uint256.Int).MulDivOverflow(scaledIn, q, den)
	if overflow {
		return Value{}, Reserves{}, Value{}, errors.New("dex: fill output overflows")
	}

	consumed := in
	if lambda.Cmp(rOut) > 0 {
		// Drain the pay-out side; charge ceil(rOut * gammaDen * p /
		// (gammaNum * q)) so the position keeps any rounding dust.
		lambda = clone(rOut)
		scaledOut := new(uint256.Int).Mul(rOut, gammaDen)
		den2 := new(uint256.Int).Mul(gammaNum, q)
		consumed, overflow = new(uint256.Int).MulDivOverflow(scaledOut, p, den2)
		if overflow {
			return Value{}, Reserves{}, Value{}, errors.New("dex: fill input overflows")
		}
		if !new(uint256.Int).MulMod(scaledOut, p, den2).IsZero() {
			consumed.AddUint64(consumed, 1)
		}
		if consumed.Cmp(in) > 0 {
			consumed = clone(in)
		}
	}

	rIn.Add(rIn, consumed)
	rOut.Sub(rOut, lambda)

	left := new(uint256.Int).Sub(in, consumed)
	newRes = Reserves{R1: rIn, R2: rOut}
	if !input.AssetID.Equal(phi.Pair.Asset1) {
		newRes = Reserves{R1: rOut, R2: rIn}
	}
	return Value{Amount: left, AssetID: input.AssetID},
		newRes,
		Value{Amount: lambda, AssetID: end},
		nil
}

// InputForOutput returns the input of start needed to extract desired units
// of the opposite asset, rounding down so a caller planning a multi-hop
// route never overshoots a hop's capacity.
func (phi TradingFunction) InputForOutput(start AssetID, desired *uint256.Int) (*uint256.Int, error) {
	p, q, _, err := phi.orient(start)
	if err != nil {
		return nil, err
	}
	gammaNum := uint256.NewInt(FeeScale - uint64(phi.FeeBps))
	gammaDen := uint256.NewInt(FeeScale)
	scaled := new(uint256.Int).Mul(desired, gammaDen)
	den := new(uint256.Int).Mul(gammaNum, q)
	in, overflow := new(uint256.Int).MulDivOverflow(scaled, p, den)
	if overflow {
		return nil, errors.New("dex: input for output overflows")
	}
	return in, nil
}
