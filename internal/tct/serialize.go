// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package tct

import (
	"encoding/binary"
	"fmt"

	"github.com/veilstate/veil/internal/hashutil"
)

// MarshalBinary encodes the tree's full internal state (every inserted
// leaf's permanent hash, the kept-commitment index, sealed-tier markers, and
// the forgotten counter) so a driver can snapshot it to non-verifiable
// storage between blocks. This is plain, versionless framing
// (fixed-width fields, length-prefixed maps): no wire-compat promise is made
// across Tree field changes, the same tradeoff internal/jmt's value-slot
// encoding makes for its own sidecar framing.
func (t *Tree) MarshalBinary() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf []byte
	putU32 := func(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); buf = append(buf, b[:]...) }
	putU64 := func(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); buf = append(buf, b[:]...) }

	putU32(t.epoch)
	putU32(t.block)
	putU32(t.commitIdx)
	putU64(uint64(t.forgotten))

	putU32(uint32(len(t.leaves)))
	for packed, l := range t.leaves {
		putU64(packed)
		hb := l.hash.Bytes()
		buf = append(buf, hb[:]...)
	}

	putU32(uint32(len(t.index)))
	for commitment, pos := range t.index {
		buf = append(buf, commitment[:]...)
		putU64(pos.Pack())
	}

	putU32(uint32(len(t.blockSealed)))
	for key, sealed := range t.blockSealed {
		if !sealed {
			continue
		}
		putU64(key)
	}

	putU32(uint32(len(t.epochSealed)))
	for epoch, sealed := range t.epochSealed {
		if !sealed {
			continue
		}
		putU32(epoch)
	}

	return buf, nil
}

// UnmarshalBinary replaces the tree's state with the encoding produced by
// MarshalBinary.
func (t *Tree) UnmarshalBinary(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &byteReader{data: data}

	var err error
	if t.epoch, err = r.u32(); err != nil {
		return fmt.Errorf("tct: unmarshal epoch: %w", err)
	}
	if t.block, err = r.u32(); err != nil {
		return fmt.Errorf("tct: unmarshal block: %w", err)
	}
	if t.commitIdx, err = r.u32(); err != nil {
		return fmt.Errorf("tct: unmarshal commitIdx: %w", err)
	}
	forgotten, err := r.u64()
	if err != nil {
		return fmt.Errorf("tct: unmarshal forgotten: %w", err)
	}
	t.forgotten = ForgottenVersion(forgotten)

	nLeaves, err := r.u32()
	if err != nil {
		return fmt.Errorf("tct: unmarshal leaves count: %w", err)
	}
	t.leaves = make(map[uint64]leaf, nLeaves)
	for i := uint32(0); i < nLeaves; i++ {
		packed, err := r.u64()
		if err != nil {
			return fmt.Errorf("tct: unmarshal leaf position: %w", err)
		}
		hb, err := r.bytes(32)
		if err != nil {
			return fmt.Errorf("tct: unmarshal leaf hash: %w", err)
		}
		var arr [32]byte
		copy(arr[:], hb)
		t.leaves[packed] = leaf{hash: hashutil.FromBytes(arr)}
	}

	nIndex, err := r.u32()
	if err != nil {
		return fmt.Errorf("tct: unmarshal index count: %w", err)
	}
	t.index = make(map[[32]byte]Position, nIndex)
	for i := uint32(0); i < nIndex; i++ {
		cb, err := r.bytes(32)
		if err != nil {
			return fmt.Errorf("tct: unmarshal index commitment: %w", err)
		}
		packed, err := r.u64()
		if err != nil {
			return fmt.Errorf("tct: unmarshal index position: %w", err)
		}
		var arr [32]byte
		copy(arr[:], cb)
		t.index[arr] = UnpackPosition(packed)
	}

	nBlockSealed, err := r.u32()
	if err != nil {
		return fmt.Errorf("tct: unmarshal blockSealed count: %w", err)
	}
	t.blockSealed = make(map[uint64]bool, nBlockSealed)
	for i := uint32(0); i < nBlockSealed; i++ {
		key, err := r.u64()
		if err != nil {
			return fmt.Errorf("tct: unmarshal blockSealed key: %w", err)
		}
		t.blockSealed[key] = true
	}

	nEpochSealed, err := r.u32()
	if err != nil {
		return fmt.Errorf("tct: unmarshal epochSealed count: %w", err)
	}
	t.epochSealed = make(map[uint32]bool, nEpochSealed)
	for i := uint32(0); i < nEpochSealed; i++ {
		key, err := r.u32()
		if err != nil {
			return fmt.Errorf("tct: unmarshal epochSealed key: %w", err)
		}
		t.epochSealed[key] = true
	}

	t.invalidateRoot()
	return nil
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("tct: unexpected end of encoding")
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}
