// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dextypes

import "github.com/holiman/uint256"

// PriceKeyLen is the width of an encoded effective price in index keys.
const PriceKeyLen = 16

// EncodePrice renders phi's fee-adjusted price for selling start as a
// 128-bit big-endian fixed-point number (PriceScale scale), clamped at the
// maximum. Big-endian fixed width makes ascending lexicographic iteration
// of index keys equal ascending price, the ordering the matcher's cursor
// and the price-index invariant depend on.
func EncodePrice(phi TradingFunction, start AssetID) ([PriceKeyLen]byte, error) {
	var out [PriceKeyLen]byte
	price, err := phi.EffectivePrice(start)
	if err != nil {
		return out, err
	}
	if price.BitLen() > 128 {
		for i := range out {
			out[i] = 0xff
		}
		return out, nil
	}
	b := price.Bytes32()
	copy(out[:], b[16:])
	return out, nil
}

// DecodePrice reverses EncodePrice for debugging and candlestick recording.
func DecodePrice(b [PriceKeyLen]byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b[:])
}
