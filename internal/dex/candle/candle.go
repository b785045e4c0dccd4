// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package candle aggregates per-block OHLCV summaries per directed trading
// pair. During block processing it buffers the matcher's execution reports
// in each transaction overlay's ephemeral object scratchpad; the driver
// absorbs a transaction's buffer only when the transaction succeeds, so a
// reverted transaction contributes nothing to the block's candles.
package candle

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
	"github.com/veilstate/veil/internal/state"
)

// pendingObjectKey is the overlay object-scratchpad key the per-transaction
// execution buffer lives under. The "dex/candle" type tag keeps it from
// colliding with other components' scratch entries.
const pendingObjectKey = "dex/candle/pending"

// execution is one recorded trade event: a pre-trade price plus exactly one
// of the two volume channels.
type execution struct {
	pair         dextypes.DirectedPair
	price        *uint256.Int
	directVolume *uint256.Int // position execution: input reserve delta
	swapVolume   *uint256.Int // swap execution: user input amount
}

// Recorder buffers executions into an overlay's object scratchpad. It
// implements router.ExecutionRecorder.
type Recorder struct {
	st *state.Overlay
}

// NewRecorder wraps the overlay the current transaction is executing on.
func NewRecorder(st *state.Overlay) *Recorder {
	return &Recorder{st: st}
}

func (r *Recorder) pending() *[]execution {
	if v, ok := r.st.ObjectGet(pendingObjectKey); ok {
		return v.(*[]execution)
	}
	buf := new([]execution)
	r.st.ObjectPut(pendingObjectKey, buf)
	return buf
}

// RecordPositionExecution buffers one fill-against-position event.
func (r *Recorder) RecordPositionExecution(pair dextypes.DirectedPair, price, directVolume *uint256.Int) {
	buf := r.pending()
	*buf = append(*buf, execution{
		pair:         pair,
		price:        new(uint256.Int).Set(price),
		directVolume: new(uint256.Int).Set(directVolume),
	})
}

// RecordSwapExecution buffers one user-swap event.
func (r *Recorder) RecordSwapExecution(pair dextypes.DirectedPair, price, swapVolume *uint256.Int) {
	buf := r.pending()
	*buf = append(*buf, execution{
		pair:       pair,
		price:      new(uint256.Int).Set(price),
		swapVolume: new(uint256.Int).Set(swapVolume),
	})
}

// CandlestickData is one directed pair's finished per-block summary.
// Prices are PriceScale fixed point; volumes are base units of the
// directed pair's start asset.
type CandlestickData struct {
	Height       uint64
	Open         *uint256.Int
	Close        *uint256.Int
	High         *uint256.Int
	Low          *uint256.Int
	DirectVolume *uint256.Int
	SwapVolume   *uint256.Int
}

// Key is the non-verifiable key a candlestick is stored under:
// dex/candle/ || start || end || BE(height).
func Key(pair dextypes.DirectedPair, height uint64) []byte {
	out := make([]byte, 0, 11+64+8)
	out = append(out, []byte("dex/candle/")...)
	out = append(out, pair.Start[:]...)
	out = append(out, pair.End[:]...)
	out = binary.BigEndian.AppendUint64(out, height)
	return out
}

const candleEncodedLen = 8 + 6*32

// MarshalBinary encodes c as fixed-width big-endian fields.
func (c *CandlestickData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, candleEncodedLen)
	buf = binary.BigEndian.AppendUint64(buf, c.Height)
	for _, v := range []*uint256.Int{c.Open, c.Close, c.High, c.Low, c.DirectVolume, c.SwapVolume} {
		if v == nil {
			v = uint256.NewInt(0)
		}
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}
	return buf, nil
}

// UnmarshalBinary decodes the encoding produced by MarshalBinary.
func (c *CandlestickData) UnmarshalBinary(data []byte) error {
	if len(data) != candleEncodedLen {
		return fmt.Errorf("dex: candlestick is %d bytes, want %d", len(data), candleEncodedLen)
	}
	c.Height = binary.BigEndian.Uint64(data[:8])
	fields := []**uint256.Int{&c.Open, &c.Close, &c.High, &c.Low, &c.DirectVolume, &c.SwapVolume}
	off := 8
	for _, f := range fields {
		*f = new(uint256.Int).SetBytes(data[off : off+32])
		off += 32
	}
	return nil
}

// Aggregator folds absorbed executions into per-pair candles for the
// block in progress. The driver owns one per block.
type Aggregator struct {
	sticks map[dextypes.DirectedPair]*CandlestickData
	order  []dextypes.DirectedPair
}

// NewAggregator returns an empty per-block aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{sticks: make(map[dextypes.DirectedPair]*CandlestickData)}
}

// Absorb moves the pending executions buffered on a successful
// transaction's overlay into the aggregator and clears the buffer. Called
// by the driver after the transaction's writes are applied; a failed
// transaction's overlay is discarded wholesale, buffer included.
func (a *Aggregator) Absorb(st *state.Overlay, height uint64) {
	v, ok := st.ObjectGet(pendingObjectKey)
	if !ok {
		return
	}
	buf := v.(*[]execution)
	for _, e := range *buf {
		a.fold(e, height)
	}
	*buf = nil
}

func (a *Aggregator) fold(e execution, height uint64) {
	c, ok := a.sticks[e.pair]
	if !ok {
		c = &CandlestickData{
			Height:       height,
			Open:         new(uint256.Int).Set(e.price),
			Close:        new(uint256.Int).Set(e.price),
			High:         new(uint256.Int).Set(e.price),
			Low:          new(uint256.Int).Set(e.price),
			DirectVolume: uint256.NewInt(0),
			SwapVolume:   uint256.NewInt(0),
		}
		a.sticks[e.pair] = c
		a.order = append(a.order, e.pair)
	}
	c.Close.Set(e.price)
	if e.price.Cmp(c.High) > 0 {
		c.High.Set(e.price)
	}
	if e.price.Cmp(c.Low) < 0 {
		c.Low.Set(e.price)
	}
	if e.directVolume != nil {
		c.DirectVolume.Add(c.DirectVolume, e.directVolume)
	}
	if e.swapVolume != nil {
		c.SwapVolume.Add(c.SwapVolume, e.swapVolume)
	}
}

// EndBlock writes every finished candle to non-verifiable storage and
// resets the aggregator for the next block. Pairs are written in
// first-execution order; the key layout makes ordering irrelevant to
// readers.
func (a *Aggregator) EndBlock(ctx context.Context, st *state.Overlay, height uint64) error {
	for _, pair := range a.order {
		c := a.sticks[pair]
		raw, err := c.MarshalBinary()
		if err != nil {
			return err
		}
		if err := st.NonverifiablePut(ctx, position.Substore, Key(pair, height), raw); err != nil {
			return err
		}
	}
	a.sticks = make(map[dextypes.DirectedPair]*CandlestickData)
	a.order = nil
	return nil
}

// Candle reads back a stored candlestick, reporting false if the pair saw
// no executions at height.
func Candle(ctx context.Context, st position.StateRW, pair dextypes.DirectedPair, height uint64) (*CandlestickData, bool, error) {
	raw, ok, err := st.NonverifiableGet(ctx, position.Substore, Key(pair, height))
	if err != nil || !ok {
		return nil, false, err
	}
	c := new(CandlestickData)
	if err := c.UnmarshalBinary(raw); err != nil {
		return nil, false, err
	}
	return c, true, nil
}
