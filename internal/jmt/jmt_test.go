package jmt

import (
	"context"
	"testing"

	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/kv"
	"github.com/veilstate/veil/internal/kv/memkv"
)

const (
	famJMT        = "jmt"
	famValues     = "jmt-values"
	famKeys       = "jmt-keys"
	famKeysByHash = "jmt-keys-by-keyhash"
)

func keyHashOf(key string) [32]byte {
	return hashutil.HashValue([]byte(key)).Bytes()
}

func newTestDB(t *testing.T) *memkv.DB {
	t.Helper()
	db := memkv.New()
	if err := db.EnsureFamilies(context.Background(), []string{famJMT, famValues, famKeys, famKeysByHash}); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestApplyAndReadBack(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tr := New(famJMT, famValues, famKeys, famKeysByHash)

	kh := keyHashOf("alpha")
	preimages := map[[32]byte][]byte{kh: []byte("alpha")}

	var root1 hashutil.Hash
	if err := db.Update(ctx, func(rwtx kv.RwTx) error {
		var err error
		root1, err = tr.Apply(ctx, rwtx, 0, 1, []Change{{KeyHash: kh, Value: []byte("hello")}}, preimages)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if root1.Equal(hashutil.Zero()) {
		t.Fatalf("expected non-zero root after insert")
	}

	db.View(ctx, func(tx kv.Tx) error {
		v, ok, err := tr.GetAsOf(ctx, tx, kh, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || string(v) != "hello" {
			t.Fatalf("GetAsOf mismatch: ok=%v v=%q", ok, v)
		}
		return nil
	})
}

func TestRootDeterminism(t *testing.T) {
	ctx := context.Background()
	run := func() hashutil.Hash {
		db := newTestDB(t)
		tr := New(famJMT, famValues, famKeys, famKeysByHash)
		kh1, kh2 := keyHashOf("a"), keyHashOf("b")
		preimages := map[[32]byte][]byte{kh1: []byte("a"), kh2: []byte("b")}
		var root hashutil.Hash
		_ = db.Update(ctx, func(rwtx kv.RwTx) error {
			var err error
			root, err = tr.Apply(ctx, rwtx, 0, 1, []Change{
				{KeyHash: kh1, Value: []byte("1")},
				{KeyHash: kh2, Value: []byte("2")},
			}, preimages)
			return err
		})
		return root
	}
	r1 := run()
	r2 := run()
	if !r1.Equal(r2) {
		t.Fatalf("root determinism violated across independent replays")
	}
}

func TestDeleteShrinksToZero(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tr := New(famJMT, famValues, famKeys, famKeysByHash)
	kh := keyHashOf("only")
	preimages := map[[32]byte][]byte{kh: []byte("only")}

	var root1, root2 hashutil.Hash
	_ = db.Update(ctx, func(rwtx kv.RwTx) error {
		var err error
		root1, err = tr.Apply(ctx, rwtx, 0, 1, []Change{{KeyHash: kh, Value: []byte("x")}}, preimages)
		return err
	})
	if root1.Equal(hashutil.Zero()) {
		t.Fatalf("expected nonzero root after insert")
	}
	_ = db.Update(ctx, func(rwtx kv.RwTx) error {
		var err error
		root2, err = tr.Apply(ctx, rwtx, 1, 2, []Change{{KeyHash: kh, Value: nil}}, preimages)
		return err
	})
	if !root2.Equal(hashutil.Zero()) {
		t.Fatalf("expected zero root once the only key is deleted")
	}
}
