// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	ics23 "github.com/bnb-chain/ics23"
)

// VerifyRemoteMembership verifies an inbound ICS23 commitment proof from a
// counterparty IBC light client against that client's IAVL-shaped
// commitment tree. This is a different tree than the one this engine's own
// get_with_proof produces (internal/jmt.Proof, a native sibling-row format):
// ics23 only needs to talk the wire format of whatever counterparty chains
// actually run, which is why this stays a thin wrapper over the real
// ics23 library rather than a second home-grown proof verifier.
func VerifyRemoteMembership(root, key, value []byte, proof *ics23.CommitmentProof) bool {
	return ics23.VerifyMembership(ics23.IavlSpec, root, proof, key, value)
}

// VerifyRemoteNonMembership verifies an inbound ICS23 non-membership proof.
func VerifyRemoteNonMembership(root, key []byte, proof *ics23.CommitmentProof) bool {
	return ics23.VerifyNonMembership(ics23.IavlSpec, root, proof, key)
}
