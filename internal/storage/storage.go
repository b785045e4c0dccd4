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
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/jmt"
	"github.com/veilstate/veil/internal/kv"
	"github.com/veilstate/veil/internal/kv/staging"
	"github.com/veilstate/veil/internal/kvtypes"
	"github.com/veilstate/veil/internal/mathutil"
)

// preGenesis is the version every substore starts at: mathutil.MaxUint64,
// the wraparound sentinel mathutil.WrappingSucc advances past to reach
// version 0 on the first commit.
const preGenesis = mathutil.MaxUint64

// Overlay is the minimal shape PrepareCommit needs from a state overlay
// (internal/state): the verifiable writes accumulated per substore, plus
// the non-verifiable sidecar writes, plus the key preimages touched so the
// JMT's forward/reverse key index stays populated. It is declared here
// rather than imported from internal/state to keep storage decoupled from
// the app-level overlay type; internal/state's *Overlay satisfies it.
type Overlay interface {
	// Changes returns, for one substore, every verifiable key this batch
	// touched, keyed by the key's hash, alongside the preimage needed to
	// maintain jmt-keys/jmt-keys-by-keyhash.
	Changes(substore string) (changes []jmt.Change, preimages map[[32]byte][]byte)
	// Substores lists every substore with at least one verifiable change.
	Substores() []string
	// NonverifiableChanges returns one substore's raw sidecar writes.
	NonverifiableChanges(substore string) map[string][]byte
	// NonverifiableSubstores lists every substore with a sidecar write.
	NonverifiableSubstores() []string
}

// Storage is the versioned multi-substore engine: one JMT per named
// substore plus an unnamed root substore committing to all of them.
type Storage struct {
	db   kv.DB
	subs map[string]*substore // by name, including kvtypes.RootSubstoreName

	mu       sync.RWMutex
	versions map[string]uint64 // name -> current (last committed) version

	snapMu sync.RWMutex
	cache  *lru.Cache[uint64, *Snapshot]
	latest *Snapshot

	subMu       sync.Mutex
	subscribers []chan *Snapshot
}

// Load opens every family for names (plus the root substore) and bootstraps
// in-memory version tracking from the root substore's persisted version
// markers, defaulting to preGenesis for a brand-new database.
func Load(ctx context.Context, db kv.DB, names []string, snapshotCacheSize int) (*Storage, error) {
	s := &Storage{
		db:       db,
		subs:     make(map[string]*substore),
		versions: make(map[string]uint64),
	}

	var allFamilies []string
	root := newSubstore(kvtypes.RootSubstoreName)
	s.subs[kvtypes.RootSubstoreName] = root
	allFamilies = append(allFamilies, root.families()...)
	for _, name := range names {
		sub := newSubstore(name)
		s.subs[name] = sub
		allFamilies = append(allFamilies, sub.families()...)
	}
	if err := db.EnsureFamilies(ctx, allFamilies); err != nil {
		return nil, fmt.Errorf("storage: ensure families: %w", err)
	}

	if snapshotCacheSize <= 0 {
		snapshotCacheSize = 16
	}
	cache, err := lru.New[uint64, *Snapshot](snapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("storage: snapshot cache: %w", err)
	}
	s.cache = cache

	var rootHash hashutil.Hash
	roots := make(map[string]hashutil.Hash, len(names))
	if err := db.View(ctx, func(tx kv.Tx) error {
		for name := range s.subs {
			v, ok, err := s.readPersistedVersion(ctx, tx, name)
			if err != nil {
				return err
			}
			if ok {
				s.versions[name] = v
			} else {
				s.versions[name] = preGenesis
			}
		}
		var err error
		rootHash, err = root.tree.RootHash(ctx, tx, s.versions[kvtypes.RootSubstoreName])
		if err != nil {
			return fmt.Errorf("read root hash at load: %w", err)
		}
		for _, name := range names {
			h, err := s.subs[name].tree.RootHash(ctx, tx, s.versions[name])
			if err != nil {
				return fmt.Errorf("read substore %q root at load: %w", name, err)
			}
			roots[name] = h
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	rootVersion := s.versions[kvtypes.RootSubstoreName]
	s.latest = &Snapshot{
		storage:     s,
		rootVersion: rootVersion,
		versions:    cloneVersions(s.versions),
		globalRoot:  rootHash,
		roots:       roots,
	}
	s.cache.Add(rootVersion, s.latest)
	return s, nil
}

func cloneVersions(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func versionMetaKey(substore string) []byte {
	return []byte(fmt.Sprintf("meta/substore/%s/version", substore))
}

func (s *Storage) readPersistedVersion(ctx context.Context, tx kv.Tx, substore string) (uint64, bool, error) {
	root := s.subs[kvtypes.RootSubstoreName]
	v, ok, err := tx.GetOne(ctx, root.nonverifiable, versionMetaKey(substore))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("storage: malformed version marker for %q", substore)
	}
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return n, true, nil
}

// LatestSnapshot returns the most recently committed snapshot.
func (s *Storage) LatestSnapshot() *Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.latest
}

// SnapshotAt returns the snapshot at rootVersion if it is still cached.
func (s *Storage) SnapshotAt(rootVersion uint64) (*Snapshot, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.cache.Get(rootVersion)
}

// Subscribe registers a channel that receives every future committed
// snapshot. The channel is buffered by 1; a subscriber that falls behind
// simply misses intermediate snapshots and only ever sees the latest.
func (s *Storage) Subscribe() <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

// notify pushes snap to every subscriber without blocking: a stale buffered
// snapshot (one no subscriber has read yet) is dropped in favor of the new
// one, so a slow subscriber only ever sees the latest snapshot, never a
// queue of stale ones.
func (s *Storage) notify(snap *Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// PrepareCommit computes the WriteBatch a commit would apply, reading
// against the current latest snapshot without writing anything durably.
// Substores with changes get base_version+1; untouched substores
// keep their version and root; the root substore always advances and its
// new root commits to every named substore's (possibly unchanged) root and
// to the root substore's own new version, so even an empty commit changes
// the global root.
func (s *Storage) PrepareCommit(ctx context.Context, ov Overlay) (*WriteBatch, error) {
	s.mu.RLock()
	baseVersions := cloneVersions(s.versions)
	s.mu.RUnlock()

	batch := &WriteBatch{
		BaseVersions: map[string]uint64{},
		NewVersions:  map[string]uint64{},
		Roots:        map[string]hashutil.Hash{},
		ops:          map[string][]staging.Op{},
	}

	err := s.db.View(ctx, func(tx kv.Tx) error {
		st := staging.New(tx)

		touched := make(map[string]bool)
		for _, name := range ov.Substores() {
			touched[name] = true
		}

		for name, sub := range s.subs {
			if name == kvtypes.RootSubstoreName {
				continue
			}
			base := baseVersions[name]
			if touched[name] {
				changes, preimages := ov.Changes(name)
				newVersion := nextVersion(base, len(changes) > 0)
				root, err := sub.tree.Apply(ctx, st, base, newVersion, changes, preimages)
				if err != nil {
					return fmt.Errorf("storage: apply substore %q: %w", name, err)
				}
				batch.BaseVersions[name] = base
				batch.NewVersions[name] = newVersion
				batch.Roots[name] = root
			} else {
				root, err := sub.tree.RootHash(ctx, st, base)
				if err != nil {
					return fmt.Errorf("storage: read substore %q root: %w", name, err)
				}
				batch.Roots[name] = root
			}
		}

		for _, name := range ov.NonverifiableSubstores() {
			sub, ok := s.subs[name]
			if !ok {
				return fmt.Errorf("storage: nonverifiable write for unknown substore %q", name)
			}
			for k, v := range ov.NonverifiableChanges(name) {
				if v == nil {
					if err := st.Delete(ctx, sub.nonverifiable, []byte(k)); err != nil {
						return err
					}
					continue
				}
				if err := st.Put(ctx, sub.nonverifiable, []byte(k), v); err != nil {
					return err
				}
			}
		}

		root := s.subs[kvtypes.RootSubstoreName]
		rootBase := baseVersions[kvtypes.RootSubstoreName]
		rootNew := nextVersion(rootBase, true)
		// Direct writes to the root substore land alongside the per-substore
		// root keys below.
		rootChanges, rootPreimages := ov.Changes(kvtypes.RootSubstoreName)
		for name := range s.subs {
			if name == kvtypes.RootSubstoreName {
				continue
			}
			h := batch.Roots[name]
			hb := h.Bytes()
			rootChanges = append(rootChanges, jmt.Change{
				KeyHash: hashutil.HashValue(kvtypes.RootKeyForSubstoreRoot(name)).Bytes(),
				Value:   hb[:],
			})
		}
		rootVersionKey := []byte("substore/version")
		rootChanges = append(rootChanges, jmt.Change{
			KeyHash: hashutil.HashValue(rootVersionKey).Bytes(),
			Value:   encodeVersion(rootNew),
		})
		preimages := make(map[[32]byte][]byte, len(rootChanges))
		for kh, pre := range rootPreimages {
			preimages[kh] = pre
		}
		preimages[hashutil.HashValue(rootVersionKey).Bytes()] = rootVersionKey
		for _, name := range sortedSubstoreNames(s.subs) {
			if name == kvtypes.RootSubstoreName {
				continue
			}
			key := kvtypes.RootKeyForSubstoreRoot(name)
			preimages[hashutil.HashValue(key).Bytes()] = key
		}
		globalRoot, err := root.tree.Apply(ctx, st, rootBase, rootNew, rootChanges, preimages)
		if err != nil {
			return fmt.Errorf("storage: apply root substore: %w", err)
		}
		batch.BaseVersions[kvtypes.RootSubstoreName] = rootBase
		batch.NewVersions[kvtypes.RootSubstoreName] = rootNew
		batch.GlobalRoot = globalRoot

		// Persist version markers for every substore this batch advances,
		// so a restart can resume in-memory version tracking without
		// replaying history.
		for name, nv := range batch.NewVersions {
			if err := st.Put(ctx, root.nonverifiable, versionMetaKey(name), encodeVersion(nv)); err != nil {
				return err
			}
		}

		for _, fam := range st.Families() {
			batch.ops[fam] = st.Ops(fam)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func nextVersion(base uint64, changed bool) uint64 {
	if !changed {
		return base
	}
	return mathutil.WrappingSucc(base)
}

func encodeVersion(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func sortedSubstoreNames(subs map[string]*substore) []string {
	names := make([]string, 0, len(subs))
	for n := range subs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CommitBatch atomically applies batch, first rejecting it with
// engineerr.ErrStaleBatch if any substore it touched has advanced past the
// version the batch was prepared against. On success it installs a new
// latest Snapshot and notifies subscribers.
func (s *Storage) CommitBatch(ctx context.Context, batch *WriteBatch) (*Snapshot, error) {
	s.mu.Lock()
	for name, base := range batch.BaseVersions {
		if s.versions[name] != base {
			s.mu.Unlock()
			return nil, engineerr.ErrStaleBatch
		}
	}
	for name, nv := range batch.NewVersions {
		s.versions[name] = nv
	}
	newVersions := cloneVersions(s.versions)
	s.mu.Unlock()

	if err := s.db.Update(ctx, func(tx kv.RwTx) error {
		for fam, ops := range batch.ops {
			for _, op := range ops {
				if op.Deleted {
					if err := tx.Delete(ctx, fam, op.Key); err != nil {
						return err
					}
					continue
				}
				if err := tx.Put(ctx, fam, op.Key, op.Value); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("storage: commit batch: %w", err)
	}

	snap := &Snapshot{
		storage:     s,
		rootVersion: batch.NewVersions[kvtypes.RootSubstoreName],
		versions:    newVersions,
		globalRoot:  batch.GlobalRoot,
		roots:       batch.Roots,
	}

	s.snapMu.Lock()
	s.latest = snap
	s.cache.Add(snap.rootVersion, snap)
	s.snapMu.Unlock()

	s.notify(snap)
	return snap, nil
}
