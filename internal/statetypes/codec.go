// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package statetypes

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/hashutil"
)

// Tag bytes framing each action on the wire. Part of the persisted/wire
// format; append-only.
const (
	tagSwap byte = iota + 1
	tagSwapClaim
	tagPositionOpen
	tagPositionClose
	tagPositionWithdraw
	tagSpend
	tagOutput
	tagDelegate
	tagUndelegate
)

type encoder struct{ buf []byte }

func (e *encoder) u8(b byte)      { e.buf = append(e.buf, b) }
func (e *encoder) u64(v uint64)   { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) raw(b []byte)   { e.buf = append(e.buf, b...) }
func (e *encoder) bytes(b []byte) { e.u64(uint64(len(b))); e.raw(b) }
func (e *encoder) amount(v *uint256.Int) {
	if v == nil {
		v = uint256.NewInt(0)
	}
	b := v.Bytes32()
	e.raw(b[:])
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if d.off+n > len(d.buf) {
		return nil, fmt.Errorf("statetypes: truncated at offset %d", d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) amount() (*uint256.Int, error) {
	b, err := d.take(32)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(b), nil
}

func (d *decoder) hash32() ([32]byte, error) {
	var out [32]byte
	b, err := d.take(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u64()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		return nil, fmt.Errorf("statetypes: length %d exceeds remaining input", n)
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// MarshalBinary frames each action with a tag byte followed by its
// fixed-width fields (variable-length proof blobs are length-prefixed).
func (t *Transaction) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u64(uint64(len(t.Actions)))
	for _, a := range t.Actions {
		switch act := a.(type) {
		case Swap:
			e.u8(tagSwap)
			e.raw(act.Pair.Asset1[:])
			e.raw(act.Pair.Asset2[:])
			e.amount(act.Delta1)
			e.amount(act.Delta2)
		case SwapClaim:
			e.u8(tagSwapClaim)
			e.raw(act.Pair.Asset1[:])
			e.raw(act.Pair.Asset2[:])
			e.u64(act.Height)
			e.amount(act.Delta1)
			e.amount(act.Delta2)
		case PositionOpen:
			e.u8(tagPositionOpen)
			raw, err := act.Position.MarshalBinary()
			if err != nil {
				return nil, err
			}
			e.bytes(raw)
		case PositionClose:
			e.u8(tagPositionClose)
			e.raw(act.ID[:])
		case PositionWithdraw:
			e.u8(tagPositionWithdraw)
			e.raw(act.ID[:])
			e.raw(act.ReservesCommitment[:])
			e.u64(act.Sequence)
		case Spend:
			e.u8(tagSpend)
			nb := act.Nullifier.Bytes()
			e.raw(nb[:])
			e.bytes(act.Proof)
		case Output:
			e.u8(tagOutput)
			cb := act.Commitment.Bytes()
			e.raw(cb[:])
			if act.Remember {
				e.u8(1)
			} else {
				e.u8(0)
			}
			e.bytes(act.Proof)
		case Delegate:
			e.u8(tagDelegate)
			e.raw(act.Validator[:])
			e.amount(act.Amount)
		case Undelegate:
			e.u8(tagUndelegate)
			e.raw(act.Validator[:])
			e.amount(act.Amount)
		default:
			return nil, fmt.Errorf("statetypes: unknown action %T", a)
		}
	}
	return e.buf, nil
}

// UnmarshalBinary decodes the framing produced by MarshalBinary.
func (t *Transaction) UnmarshalBinary(data []byte) error {
	d := &decoder{buf: data}
	n, err := d.u64()
	if err != nil {
		return err
	}
	actions := make([]Action, 0, n)
	for i := uint64(0); i < n; i++ {
		tag, err := d.u8()
		if err != nil {
			return err
		}
		switch tag {
		case tagSwap:
			var act Swap
			if act.Pair.Asset1, err = readAsset(d); err != nil {
				return err
			}
			if act.Pair.Asset2, err = readAsset(d); err != nil {
				return err
			}
			if act.Delta1, err = d.amount(); err != nil {
				return err
			}
			if act.Delta2, err = d.amount(); err != nil {
				return err
			}
			actions = append(actions, act)
		case tagSwapClaim:
			var act SwapClaim
			if act.Pair.Asset1, err = readAsset(d); err != nil {
				return err
			}
			if act.Pair.Asset2, err = readAsset(d); err != nil {
				return err
			}
			if act.Height, err = d.u64(); err != nil {
				return err
			}
			if act.Delta1, err = d.amount(); err != nil {
				return err
			}
			if act.Delta2, err = d.amount(); err != nil {
				return err
			}
			actions = append(actions, act)
		case tagPositionOpen:
			raw, err := d.bytes()
			if err != nil {
				return err
			}
			var act PositionOpen
			if err := act.Position.UnmarshalBinary(raw); err != nil {
				return err
			}
			actions = append(actions, act)
		case tagPositionClose:
			var act PositionClose
			id, err := d.hash32()
			if err != nil {
				return err
			}
			act.ID = dextypes.ID(id)
			actions = append(actions, act)
		case tagPositionWithdraw:
			var act PositionWithdraw
			id, err := d.hash32()
			if err != nil {
				return err
			}
			act.ID = dextypes.ID(id)
			if act.ReservesCommitment, err = d.hash32(); err != nil {
				return err
			}
			if act.Sequence, err = d.u64(); err != nil {
				return err
			}
			actions = append(actions, act)
		case tagSpend:
			var act Spend
			nb, err := d.hash32()
			if err != nil {
				return err
			}
			act.Nullifier = hashutil.FromBytes(nb)
			if act.Proof, err = d.bytes(); err != nil {
				return err
			}
			actions = append(actions, act)
		case tagOutput:
			var act Output
			cb, err := d.hash32()
			if err != nil {
				return err
			}
			act.Commitment = hashutil.FromBytes(cb)
			remember, err := d.u8()
			if err != nil {
				return err
			}
			act.Remember = remember != 0
			if act.Proof, err = d.bytes(); err != nil {
				return err
			}
			actions = append(actions, act)
		case tagDelegate:
			var act Delegate
			if act.Validator, err = d.hash32(); err != nil {
				return err
			}
			if act.Amount, err = d.amount(); err != nil {
				return err
			}
			actions = append(actions, act)
		case tagUndelegate:
			var act Undelegate
			if act.Validator, err = d.hash32(); err != nil {
				return err
			}
			if act.Amount, err = d.amount(); err != nil {
				return err
			}
			actions = append(actions, act)
		default:
			return fmt.Errorf("statetypes: unknown action tag %d", tag)
		}
	}
	if d.off != len(data) {
		return fmt.Errorf("statetypes: %d trailing bytes", len(data)-d.off)
	}
	t.Actions = actions
	return nil
}

func readAsset(d *decoder) (dextypes.AssetID, error) {
	b, err := d.hash32()
	return dextypes.AssetID(b), err
}
