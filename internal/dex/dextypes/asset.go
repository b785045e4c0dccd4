// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package dextypes holds the concentrated-liquidity DEX's plain data types:
// asset identifiers, trading pairs,
// values, the trading function, and positions. Kept separate from
// internal/dex/position and internal/dex/router so the matcher, router, and
// candlestick packages can all depend on the type definitions without a
// cycle through the position manager's storage-facing code.
package dextypes

import (
	"bytes"
	"encoding/hex"
)

// AssetID is an opaque 32-byte asset identifier, content-addressed the same
// way a position id is: callers never construct one from components here,
// they receive it from the shielded pool's asset registry.
type AssetID [32]byte

// String renders a's canonical hex form, used in log fields and index keys'
// debug representations.
func (a AssetID) String() string {
	return hex.EncodeToString(a[:])
}

// Less reports whether a sorts before b in the fixed-width byte order
// trading pair canonicalization relies on.
func (a AssetID) Less(b AssetID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Equal reports byte equality.
func (a AssetID) Equal(b AssetID) bool {
	return a == b
}
