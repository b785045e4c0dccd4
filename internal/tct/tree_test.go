package tct

import (
	"testing"

	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/hashutil"
)

func commitmentOf(label string) hashutil.Hash {
	var b [32]byte
	copy(b[:], label)
	return hashutil.FromBytes(b)
}

func TestInsertAndWitness(t *testing.T) {
	tr := New()
	c := commitmentOf("note-1")
	pos, err := tr.Insert(Keep, c)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Epoch != 0 || pos.Block != 0 || pos.Commitment != 0 {
		t.Fatalf("unexpected position: %+v", pos)
	}

	proof, ok := tr.Witness(c)
	if !ok {
		t.Fatal("expected witness to succeed for a kept commitment")
	}
	root := tr.Root()
	if !proof.Verify(c, root) {
		t.Fatal("proof did not verify against the tree's root")
	}
}

func TestForgottenCommitmentCannotBeWitnessed(t *testing.T) {
	tr := New()
	c := commitmentOf("note-2")
	if _, err := tr.Insert(Keep, c); err != nil {
		t.Fatal(err)
	}

	proofBefore, ok := tr.Witness(c)
	if !ok {
		t.Fatal("expected witness to succeed before forgetting")
	}
	rootBefore := tr.Root()

	if !tr.Forget(c) {
		t.Fatal("expected Forget to report the commitment was present")
	}
	if tr.Forget(c) {
		t.Fatal("expected a second Forget of the same commitment to be a no-op")
	}

	if _, ok := tr.Witness(c); ok {
		t.Fatal("expected witness to fail after forgetting")
	}

	// Forgetting must not change the root: a proof captured before the
	// forget still verifies afterward.
	rootAfter := tr.Root()
	if !rootBefore.Equal(rootAfter) {
		t.Fatal("forgetting a commitment changed the tree's root")
	}
	if !proofBefore.Verify(c, rootAfter) {
		t.Fatal("a proof captured before forgetting no longer verifies")
	}
}

func TestRootDeterminismAcrossForgettingOrder(t *testing.T) {
	commitments := []hashutil.Hash{
		commitmentOf("a"), commitmentOf("b"), commitmentOf("c"), commitmentOf("d"),
	}

	build := func(forgetOrder []int) hashutil.Hash {
		tr := New()
		for _, c := range commitments {
			if _, err := tr.Insert(Keep, c); err != nil {
				t.Fatal(err)
			}
		}
		for _, i := range forgetOrder {
			tr.Forget(commitments[i])
		}
		return tr.Root()
	}

	r1 := build([]int{0, 1, 2, 3})
	r2 := build([]int{3, 2, 1, 0})
	r3 := build([]int{1, 3, 0, 2})
	if !r1.Equal(r2) || !r1.Equal(r3) {
		t.Fatal("root depends on forgetting order")
	}
}

func TestForgetUnwitnessedCommitment(t *testing.T) {
	tr := New()
	c := commitmentOf("never-inserted")
	if tr.Forget(c) {
		t.Fatal("expected Forget of an absent commitment to report false")
	}

	kept := commitmentOf("kept-but-not-target")
	if _, err := tr.Insert(Forget, kept); err != nil {
		t.Fatal(err)
	}
	if tr.Forget(kept) {
		t.Fatal("expected Forget of a non-kept commitment to report false")
	}
}

func TestEndBlockAndEndEpochAdvancePosition(t *testing.T) {
	tr := New()
	c1 := commitmentOf("block0")
	pos1, _ := tr.Insert(Keep, c1)
	if pos1.Block != 0 {
		t.Fatalf("expected block 0, got %d", pos1.Block)
	}

	if err := tr.EndBlock(); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := tr.EndBlock(); err != nil {
		t.Fatal(err)
	}

	c2 := commitmentOf("block1")
	pos2, _ := tr.Insert(Keep, c2)
	if pos2.Block != 1 || pos2.Commitment != 0 {
		t.Fatalf("expected fresh block with commitment index reset, got %+v", pos2)
	}

	if err := tr.EndEpoch(); err != nil {
		t.Fatal(err)
	}
	c3 := commitmentOf("epoch1")
	pos3, _ := tr.Insert(Keep, c3)
	if pos3.Epoch != 1 || pos3.Block != 0 || pos3.Commitment != 0 {
		t.Fatalf("expected fresh epoch, got %+v", pos3)
	}
}

func TestEmptyBlockSealsToCanonicalRoot(t *testing.T) {
	c := commitmentOf("only-leaf")

	withGap := New()
	if err := withGap.EndBlock(); err != nil {
		t.Fatal(err)
	}
	if _, err := withGap.Insert(Keep, c); err != nil {
		t.Fatal(err)
	}

	again := New()
	if err := again.EndBlock(); err != nil {
		t.Fatal(err)
	}
	if _, err := again.Insert(Keep, c); err != nil {
		t.Fatal(err)
	}

	if !withGap.Root().Equal(again.Root()) {
		t.Fatal("sealing an identical empty block produced different roots across two trees")
	}
}

func TestInsertFullEpochRejected(t *testing.T) {
	tr := New()
	tr.epoch = 1 << 16
	if _, err := tr.Insert(Keep, commitmentOf("x")); err != engineerr.ErrTctFull {
		t.Fatalf("expected ErrTctFull, got %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	tr := New()
	kept := commitmentOf("kept")
	forgotten := commitmentOf("forgotten")
	if _, err := tr.Insert(Keep, kept); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Insert(Keep, forgotten); err != nil {
		t.Fatal(err)
	}
	tr.Forget(forgotten)
	if err := tr.EndBlock(); err != nil {
		t.Fatal(err)
	}

	wantRoot := tr.Root()

	data, err := tr.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	restored := New()
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if !restored.Root().Equal(wantRoot) {
		t.Fatal("root mismatch after marshal/unmarshal round trip")
	}
	if _, ok := restored.Witness(forgotten); ok {
		t.Fatal("a forgotten commitment must stay forgotten across a round trip")
	}
	if _, ok := restored.Witness(kept); !ok {
		t.Fatal("a kept commitment must remain witnessable across a round trip")
	}
	if restored.ForgottenVersion() != 1 {
		t.Fatalf("expected forgotten counter 1, got %d", restored.ForgottenVersion())
	}
}
