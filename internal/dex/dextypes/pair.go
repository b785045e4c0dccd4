// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dextypes

// Pair is the canonical (unordered) representation of a tuple of asset ids:
// Asset1 is always the byte-lexicographically smaller of the two.
type Pair struct {
	Asset1 AssetID
	Asset2 AssetID
}

// NewPair canonicalizes (a, b) so Asset1 < Asset2.
func NewPair(a, b AssetID) Pair {
	if a.Less(b) {
		return Pair{Asset1: a, Asset2: b}
	}
	return Pair{Asset1: b, Asset2: a}
}

// DirectedPair is an ordered (from, to) pair: a single Pair admits two
// DirectedPairs with reciprocal prices (GLOSSARY "Directed trading pair").
type DirectedPair struct {
	Start AssetID
	End   AssetID
}

// Flip reverses the direction.
func (d DirectedPair) Flip() DirectedPair {
	return DirectedPair{Start: d.End, End: d.Start}
}

// Canonical returns d's unordered Pair.
func (d DirectedPair) Canonical() Pair {
	return NewPair(d.Start, d.End)
}
