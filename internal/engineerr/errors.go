// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engineerr defines the error kinds the core recognizes. Errors are
// declared as plain sentinels and checked with errors.Is/errors.As; wrapping
// uses fmt.Errorf("...: %w", err) throughout.
package engineerr

import "errors"

// Sentinel errors for conditions that are not simple "value absent" misses.
var (
	// ErrStaleBatch is returned by commit_batch when the batch's base_version
	// for the root substore no longer matches the live version.
	ErrStaleBatch = errors.New("storage: stale write batch, base version has advanced")

	// ErrDuplicatePosition is returned by put_position for an id already
	// present while opening a new position.
	ErrDuplicatePosition = errors.New("dex: duplicate position id")

	// ErrPositionNotOpened is returned when a fill targets a position that is
	// not in the Opened state.
	ErrPositionNotOpened = errors.New("dex: position is not opened")

	// ErrVcbUnderflow is a fatal, transaction-aborting invariant breach: a
	// debit would drive a per-asset circuit-breaker counter negative.
	ErrVcbUnderflow = errors.New("dex: value circuit breaker underflow")

	// ErrVcbOverflow mirrors ErrVcbUnderflow for credits that would overflow
	// the 256-bit counter.
	ErrVcbOverflow = errors.New("dex: value circuit breaker overflow")

	// ErrTctFull is returned by insert when the current epoch+block position
	// is exhausted; the caller must advance block/epoch, not retry.
	ErrTctFull = errors.New("tct: tier is full")

	// ErrProofInvalid signals ICS23/JMT proof verification failure.
	ErrProofInvalid = errors.New("storage: proof verification failed")

	// ErrSequenceMismatch is returned by withdraw when the caller's sequence
	// number is not the next withdrawal sequence: 0 for the first withdrawal
	// of a Closed position, the position's current sequence plus one after.
	ErrSequenceMismatch = errors.New("dex: withdraw sequence mismatch")

	// ErrReservesCommitmentMismatch is returned by withdraw when the caller's
	// expected reserves commitment does not match the position's reserves.
	ErrReservesCommitmentMismatch = errors.New("dex: withdraw reserves commitment mismatch")

	// ErrPathNotFound is returned by the router when no path satisfies the
	// requested hop limit.
	ErrPathNotFound = errors.New("dex: no path found")
)

// NotFound is not an error condition; callers signal it with (nil, nil) or a bool ok flag, never with one
// of these sentinels. DatabaseError conditions are propagated as plain
// wrapped errors from the backing kv package and are intentionally not given
// a sentinel here, since the caller only needs to know block processing must
// abort, not to branch on the specific I/O failure.
