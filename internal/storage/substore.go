// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package storage implements the versioned multi-substore engine:
// each named substore owns its own jellyfish Merkle tree plus a
// non-Merkleized sidecar family, and an unnamed root substore commits to
// every named substore's current root so the whole engine has one global
// root hash per version.
package storage

import (
	"github.com/veilstate/veil/internal/jmt"
	"github.com/veilstate/veil/internal/kvtypes"
)

// substore is one named (or the root) logical store: a JMT plus the family
// name for its non-verifiable sidecar.
type substore struct {
	name             string
	tree             *jmt.Tree
	nonverifiable    string
	jmtFamily        string
	valuesFamily     string
	keysFamily       string
	keysByHashFamily string
}

func newSubstore(name string) *substore {
	jmtFam := kvtypes.ColumnFamilyName(name, kvtypes.FamilyJMT)
	valuesFam := kvtypes.ColumnFamilyName(name, kvtypes.FamilyJMTValues)
	keysFam := kvtypes.ColumnFamilyName(name, kvtypes.FamilyJMTKeys)
	keysByHashFam := kvtypes.ColumnFamilyName(name, kvtypes.FamilyJMTKeysByHash)
	nonverifiableFam := kvtypes.ColumnFamilyName(name, kvtypes.FamilyNonverifiable)
	return &substore{
		name:             name,
		tree:             jmt.New(jmtFam, valuesFam, keysFam, keysByHashFam),
		nonverifiable:    nonverifiableFam,
		jmtFamily:        jmtFam,
		valuesFamily:     valuesFam,
		keysFamily:       keysFam,
		keysByHashFamily: keysByHashFam,
	}
}

// families lists every physical column family this substore owns, for
// EnsureFamilies at Load time.
func (s *substore) families() []string {
	return []string{s.jmtFamily, s.valuesFamily, s.keysFamily, s.keysByHashFamily, s.nonverifiable}
}
