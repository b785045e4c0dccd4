// Copyright 2021 The Erigon Authors
// (original work)
// Copyright 2026 The Veil Authors
// (modifications)
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package kvtypes names the column families the storage engine opens per
// substore: every substore gets the same five families, and the physical
// name is the substore-prefixed family name.
package kvtypes

import "fmt"

// DBSchemaVersion tracks the on-disk layout. Bump the patch component for a
// backward-compatible addition, the minor component when old data needs a
// migration, and the major component when the format is not migratable.
var DBSchemaVersion = struct{ Major, Minor, Patch uint32 }{Major: 1, Minor: 0, Patch: 0}

// RootSubstoreName is the empty/unprefixed substore that commits to every
// named substore's root.
const RootSubstoreName = ""

// Family is one of the five column families opened for every substore.
type Family string

const (
	// FamilyJMT stores padded nibble_path||BE(version) -> JMT node, the
	// Merkle-tree structure itself.
	FamilyJMT Family = "jmt"
	// FamilyJMTValues stores key_hash||BE(version) -> encoded Option<value>.
	FamilyJMTValues Family = "jmt-values"
	// FamilyJMTKeys stores key_preimage -> key_hash (forward index).
	FamilyJMTKeys Family = "jmt-keys"
	// FamilyJMTKeysByHash stores key_hash -> key_preimage (reverse index).
	FamilyJMTKeysByHash Family = "jmt-keys-by-keyhash"
	// FamilyNonverifiable stores raw, non-Merkleized sidecar bytes.
	FamilyNonverifiable Family = "nonverifiable"
)

// AllFamilies lists every family opened for a substore.
var AllFamilies = [...]Family{
	FamilyJMT,
	FamilyJMTValues,
	FamilyJMTKeys,
	FamilyJMTKeysByHash,
	FamilyNonverifiable,
}

// ColumnFamilyName returns the physical column-family identifier for a
// substore's family, e.g. "dex/jmt-values", or "jmt" for the root
// substore, which is left unprefixed.
func ColumnFamilyName(substore string, fam Family) string {
	if substore == RootSubstoreName {
		return string(fam)
	}
	return fmt.Sprintf("%s/%s", substore, fam)
}

// RootKeyForSubstoreRoot is the well-known key in the root substore's JMT
// under which a named substore's current root hash is stored.
func RootKeyForSubstoreRoot(substore string) []byte {
	return []byte(fmt.Sprintf("substore/%s/root", substore))
}

// DefaultSubstores is the fixed set of named logical substores the engine
// hosts alongside the unnamed root substore.
var DefaultSubstores = []string{"ibc", "dex", "misc", "cometbft-data"}
