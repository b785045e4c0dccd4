// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/kv/staging"
)

// WriteBatch is the output of PrepareCommit: a durable-apply plan computed
// against a consistent read snapshot, without having written anything yet.
// CommitBatch replays it atomically after re-checking BaseVersions against
// the live versions.
type WriteBatch struct {
	// BaseVersions is the version each touched substore (by name, plus
	// kvtypes.RootSubstoreName for the root) was read at during prepare.
	BaseVersions map[string]uint64
	// NewVersions is what each touched substore's version becomes once this
	// batch commits.
	NewVersions map[string]uint64
	// Roots is every named substore's root hash as of this batch (including
	// substores this batch did not touch, carried forward unchanged).
	Roots map[string]hashutil.Hash
	// GlobalRoot is the root substore's own root hash, committing to every
	// entry in Roots.
	GlobalRoot hashutil.Hash

	ops map[string][]staging.Op // family -> staged mutations, in order
}

// Empty reports whether the batch would change nothing, i.e. every touched
// substore's new version equals its base version. CommitBatch still bumps
// the root substore's version even for an empty batch, so Empty is about
// content, not about whether a version bump will happen.
func (b *WriteBatch) Empty() bool {
	for _, ops := range b.ops {
		if len(ops) > 0 {
			return false
		}
	}
	return true
}
