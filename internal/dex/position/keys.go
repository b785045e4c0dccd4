// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package position

import (
	"fmt"

	"github.com/veilstate/veil/internal/dex/dextypes"
)

// Substore is the logical substore every DEX key lives in.
const Substore = "dex"

// Verifiable keys (dex substore JMT).

func stateKey(id dextypes.ID) string {
	return fmt.Sprintf("dex/position/%s", id)
}

func vcbKey(asset dextypes.AssetID) string {
	return fmt.Sprintf("dex/vcb/%s", asset)
}

// Non-verifiable price index. The composite key is
//
//	dex/index/price/ || start || end || price || id
//
// with fixed-width big-endian price and fixed-width id suffix, so an
// ascending scan of the (start, end) prefix yields positions in
// non-decreasing effective price, ties broken by id. The layout is part of
// the persisted format.

var priceIndexTag = []byte("dex/index/price/")

// PriceIndexPrefix is the scan prefix for every indexed position selling
// end for holders of start.
func PriceIndexPrefix(pair dextypes.DirectedPair) []byte {
	out := make([]byte, 0, len(priceIndexTag)+64)
	out = append(out, priceIndexTag...)
	out = append(out, pair.Start[:]...)
	out = append(out, pair.End[:]...)
	return out
}

func priceIndexKey(pair dextypes.DirectedPair, price [dextypes.PriceKeyLen]byte, id dextypes.ID) []byte {
	out := make([]byte, 0, len(priceIndexTag)+64+dextypes.PriceKeyLen+32)
	out = append(out, PriceIndexPrefix(pair)...)
	out = append(out, price[:]...)
	out = append(out, id[:]...)
	return out
}

// SplitPriceIndexKey recovers the price and id suffix of an index key
// produced with priceIndexKey. It reports false on a malformed key.
func SplitPriceIndexKey(key []byte) (price [dextypes.PriceKeyLen]byte, id dextypes.ID, ok bool) {
	want := len(priceIndexTag) + 64 + dextypes.PriceKeyLen + 32
	if len(key) != want {
		return price, id, false
	}
	copy(price[:], key[len(priceIndexTag)+64:])
	copy(id[:], key[len(priceIndexTag)+64+dextypes.PriceKeyLen:])
	return price, id, true
}
