// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package mdbx backs kv.DB with libmdbx via github.com/erigontech/mdbx-go.
// One MDBX sub-database (DBI) is opened per column family name; families
// are created lazily on first use.
package mdbx

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/veilstate/veil/internal/kv"
)

// DB is an MDBX-backed kv.DB.
type DB struct {
	env *mdbx.Env

	mu   sync.RWMutex
	dbis map[string]mdbx.DBI
}

// Open creates or opens an MDBX environment rooted at path, sized for up to
// maxFamilies column families.
func Open(path string, maxFamilies int) (*DB, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("mdbx: new env: %w", err)
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(maxFamilies)); err != nil {
		return nil, fmt.Errorf("mdbx: set max dbs: %w", err)
	}
	if err := env.SetGeometry(-1, -1, 4<<40, 256<<20, -1, 4096); err != nil {
		return nil, fmt.Errorf("mdbx: set geometry: %w", err)
	}
	if err := env.Open(path, mdbx.NoSubdir|mdbx.Coalesce|mdbx.LifoReclaim, 0644); err != nil {
		return nil, fmt.Errorf("mdbx: open %s: %w", path, err)
	}
	return &DB{env: env, dbis: make(map[string]mdbx.DBI)}, nil
}

func (db *DB) Close() error {
	db.env.Close()
	return nil
}

// EnsureFamilies opens (creating if absent) every named column family.
func (db *DB) EnsureFamilies(ctx context.Context, families []string) error {
	return db.env.Update(func(txn *mdbx.Txn) error {
		for _, name := range families {
			dbi, err := txn.OpenDBISimple(name, mdbx.Create)
			if err != nil {
				return fmt.Errorf("mdbx: open dbi %s: %w", name, err)
			}
			db.mu.Lock()
			db.dbis[name] = dbi
			db.mu.Unlock()
		}
		return nil
	})
}

func (db *DB) dbiFor(txn *mdbx.Txn, family string) (mdbx.DBI, error) {
	db.mu.RLock()
	dbi, ok := db.dbis[family]
	db.mu.RUnlock()
	if ok {
		return dbi, nil
	}
	dbi, err := txn.OpenDBISimple(family, mdbx.Create)
	if err != nil {
		return 0, fmt.Errorf("mdbx: open dbi %s: %w", family, err)
	}
	db.mu.Lock()
	db.dbis[family] = dbi
	db.mu.Unlock()
	return dbi, nil
}

func (db *DB) View(ctx context.Context, fn func(kv.Tx) error) error {
	return db.env.View(func(txn *mdbx.Txn) error {
		return fn(&tx{db: db, txn: txn})
	})
}

func (db *DB) Update(ctx context.Context, fn func(kv.RwTx) error) error {
	return db.env.Update(func(txn *mdbx.Txn) error {
		return fn(&tx{db: db, txn: txn})
	})
}

type tx struct {
	db  *DB
	txn *mdbx.Txn
}

func (t *tx) GetOne(ctx context.Context, family string, key []byte) ([]byte, bool, error) {
	dbi, err := t.db.dbiFor(t.txn, family)
	if err != nil {
		return nil, false, err
	}
	v, err := t.txn.Get(dbi, key)
	if mdbx.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mdbx: get: %w", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *tx) Put(ctx context.Context, family string, key, value []byte) error {
	dbi, err := t.db.dbiFor(t.txn, family)
	if err != nil {
		return err
	}
	if err := t.txn.Put(dbi, key, value, 0); err != nil {
		return fmt.Errorf("mdbx: put: %w", err)
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, family string, key []byte) error {
	dbi, err := t.db.dbiFor(t.txn, family)
	if err != nil {
		return err
	}
	if err := t.txn.Del(dbi, key, nil); err != nil && !mdbx.IsNotFound(err) {
		return fmt.Errorf("mdbx: delete: %w", err)
	}
	return nil
}

func (t *tx) Cursor(ctx context.Context, family string) (kv.Cursor, error) {
	dbi, err := t.db.dbiFor(t.txn, family)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, fmt.Errorf("mdbx: open cursor: %w", err)
	}
	return &cursor{c: c}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	_, err := t.txn.Commit()
	return err
}

func (t *tx) Rollback() {
	t.txn.Abort()
}

type cursor struct {
	c *mdbx.Cursor
}

func cloneKV(k, v []byte) ([]byte, []byte) {
	ck := make([]byte, len(k))
	copy(ck, k)
	cv := make([]byte, len(v))
	copy(cv, v)
	return ck, cv
}

func (c *cursor) SeekGE(seek []byte) ([]byte, []byte, bool, error) {
	k, v, err := c.c.Get(seek, nil, mdbx.SetRange)
	if mdbx.IsNotFound(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	ck, cv := cloneKV(k, v)
	return ck, cv, true, nil
}

// SeekLE finds the largest key <= seek by seeking to the first key >= seek
// and, if that key is strictly greater (or absent), stepping back once:
// seek backward from (key_hash, v) to find the latest value at or before v.
func (c *cursor) SeekLE(seek []byte) ([]byte, []byte, bool, error) {
	k, v, err := c.c.Get(seek, nil, mdbx.SetRange)
	if err != nil && !mdbx.IsNotFound(err) {
		return nil, nil, false, err
	}
	if err == nil && bytes.Equal(k, seek) {
		ck, cv := cloneKV(k, v)
		return ck, cv, true, nil
	}
	// Either nothing >= seek (landed past the end) or the found key is
	// strictly greater: step back one entry.
	pk, pv, perr := c.c.Get(nil, nil, mdbx.Prev)
	if mdbx.IsNotFound(perr) {
		return nil, nil, false, nil
	}
	if perr != nil {
		return nil, nil, false, perr
	}
	ck, cv := cloneKV(pk, pv)
	return ck, cv, true, nil
}

func (c *cursor) Next() ([]byte, []byte, bool, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.Next)
	if mdbx.IsNotFound(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	ck, cv := cloneKV(k, v)
	return ck, cv, true, nil
}

func (c *cursor) Prev() ([]byte, []byte, bool, error) {
	k, v, err := c.c.Get(nil, nil, mdbx.Prev)
	if mdbx.IsNotFound(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	ck, cv := cloneKV(k, v)
	return ck, cv, true, nil
}

func (c *cursor) Close() { c.c.Close() }
