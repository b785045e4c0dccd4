// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"context"
	"testing"

	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/jmt"
	"github.com/veilstate/veil/internal/kv/memkv"
)

// fakeOverlay is a minimal Overlay implementation for tests, standing in for
// internal/state.Overlay.
type fakeOverlay struct {
	changes       map[string][]jmt.Change
	preimages     map[string]map[[32]byte][]byte
	nonverifiable map[string]map[string][]byte
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{
		changes:       make(map[string][]jmt.Change),
		preimages:     make(map[string]map[[32]byte][]byte),
		nonverifiable: make(map[string]map[string][]byte),
	}
}

func (f *fakeOverlay) put(substore string, key string, value []byte) {
	kh := hashutil.HashValue([]byte(key)).Bytes()
	f.changes[substore] = append(f.changes[substore], jmt.Change{KeyHash: kh, Value: value})
	if f.preimages[substore] == nil {
		f.preimages[substore] = make(map[[32]byte][]byte)
	}
	f.preimages[substore][kh] = []byte(key)
}

func (f *fakeOverlay) Changes(substore string) ([]jmt.Change, map[[32]byte][]byte) {
	return f.changes[substore], f.preimages[substore]
}

func (f *fakeOverlay) Substores() []string {
	names := make([]string, 0, len(f.changes))
	for n := range f.changes {
		names = append(names, n)
	}
	return names
}

func (f *fakeOverlay) NonverifiableChanges(substore string) map[string][]byte {
	return f.nonverifiable[substore]
}

func (f *fakeOverlay) NonverifiableSubstores() []string {
	names := make([]string, 0, len(f.nonverifiable))
	for n := range f.nonverifiable {
		names = append(names, n)
	}
	return names
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()
	db := memkv.New()
	s, err := Load(ctx, db, []string{"ibc", "dex", "misc"}, 8)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestPrepareAndCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ov := newFakeOverlay()
	ov.put("dex", "position/abc", []byte("opened"))

	batch, err := s.PrepareCommit(ctx, ov)
	if err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	snap, err := s.CommitBatch(ctx, batch)
	if err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if snap.Version() != 0 {
		t.Fatalf("expected first commit to land at version 0, got %d", snap.Version())
	}

	v, ok, err := snap.Get(ctx, "dex", "position/abc")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "opened" {
		t.Fatalf("Get mismatch: ok=%v v=%q", ok, v)
	}

	root, ok := snap.SubstoreRoot("dex")
	if !ok || root.Equal(hashutil.Zero()) {
		t.Fatalf("expected non-zero dex substore root")
	}
	if snap.Root().Equal(hashutil.Zero()) {
		t.Fatalf("expected non-zero global root")
	}
}

func TestCommitBatchRejectsStaleBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ov1 := newFakeOverlay()
	ov1.put("dex", "a", []byte("1"))
	batch1, err := s.PrepareCommit(ctx, ov1)
	if err != nil {
		t.Fatal(err)
	}

	ov2 := newFakeOverlay()
	ov2.put("dex", "b", []byte("2"))
	batch2, err := s.PrepareCommit(ctx, ov2)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CommitBatch(ctx, batch1); err != nil {
		t.Fatalf("first commit should succeed: %v", err)
	}
	if _, err := s.CommitBatch(ctx, batch2); err == nil {
		t.Fatalf("expected stale batch rejection for batch2 prepared against the pre-batch1 version")
	}
}

func TestGetWithProofVerifies(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ov := newFakeOverlay()
	ov.put("ibc", "client/07-tendermint-0", []byte("consensus-state"))
	batch, err := s.PrepareCommit(ctx, ov)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := s.CommitBatch(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}

	value, proof, err := snap.GetWithProof(ctx, "ibc", []byte("client/07-tendermint-0"))
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "consensus-state" {
		t.Fatalf("unexpected value %q", value)
	}
	root, _ := snap.SubstoreRoot("ibc")
	if !jmt.VerifyProof(proof, root) {
		t.Fatalf("proof failed to verify against substore root")
	}

	_, missingProof, err := snap.GetWithProof(ctx, "ibc", []byte("client/does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if !jmt.VerifyProof(missingProof, root) {
		t.Fatalf("non-membership proof failed to verify")
	}
}

func TestPrefixRaw(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ov := newFakeOverlay()
	ov.put("dex", "position/1", []byte("a"))
	ov.put("dex", "position/2", []byte("b"))
	ov.put("dex", "candle/1", []byte("c"))
	batch, err := s.PrepareCommit(ctx, ov)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := s.CommitBatch(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}

	kvs, err := snap.PrefixRaw(ctx, "dex", []byte("position/"))
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 2 {
		t.Fatalf("expected 2 keys under position/, got %d", len(kvs))
	}
}
