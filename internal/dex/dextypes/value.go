// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dextypes

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Value pairs an amount of base units with its asset. Amounts are 256-bit
// unsigned integers; all trading-function arithmetic checks for overflow
// instead of wrapping.
type Value struct {
	Amount  *uint256.Int
	AssetID AssetID
}

// NewValue builds a Value from a small literal amount, mostly for tests and
// genesis wiring.
func NewValue(amount uint64, asset AssetID) Value {
	return Value{Amount: uint256.NewInt(amount), AssetID: asset}
}

// String renders v for log fields.
func (v Value) String() string {
	return fmt.Sprintf("%s:%s", v.Amount.Dec(), v.AssetID)
}

// IsZero reports whether the amount is zero (a nil amount counts as zero).
func (v Value) IsZero() bool {
	return v.Amount == nil || v.Amount.IsZero()
}

// clone returns a defensive copy of x, treating nil as zero.
func clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(x)
}
