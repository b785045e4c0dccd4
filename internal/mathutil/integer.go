// Copyright 2017 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
// Copyright 2026 The Veil Authors
// (further modifications)
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Veil is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Veil. If not, see <http://www.gnu.org/licenses/>.

// Package mathutil holds small overflow-checked integer helpers and limits;
// the storage engine uses them for its version arithmetic.
package mathutil

import (
	"math/bits"
	"strconv"
)

// Integer limit values.
const (
	MaxUint16 = 1<<16 - 1
	MaxUint48 = 1<<48 - 1
	MaxUint64 = 1<<64 - 1
)

// ParseUint64 parses s as an integer in decimal or hexadecimal syntax.
func ParseUint64(s string) (uint64, bool) {
	if s == "" {
		return 0, true
	}
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		return v, err == nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// SafeAdd returns x+y and reports whether the addition overflowed uint64.
func SafeAdd(x, y uint64) (uint64, bool) {
	sum, carryOut := bits.Add64(x, y, 0)
	return sum, carryOut != 0
}

// SafeSub returns x-y and reports whether the subtraction underflowed uint64.
func SafeSub(x, y uint64) (uint64, bool) {
	diff, borrowOut := bits.Sub64(x, y, 0)
	return diff, borrowOut != 0
}

// SafeMul returns x*y and reports whether the multiplication overflowed uint64.
func SafeMul(x, y uint64) (uint64, bool) {
	hi, lo := bits.Mul64(x, y)
	return lo, hi != 0
}

// CeilDiv returns ceil(x/y), or 0 if y == 0.
func CeilDiv(x, y int) int {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// WrappingSucc returns n+1, wrapping u64::MAX (the pre-genesis sentinel) to 0.
func WrappingSucc(n uint64) uint64 {
	if n == MaxUint64 {
		return 0
	}
	return n + 1
}
