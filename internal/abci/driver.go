// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package abci wires the storage engine, the DEX, and the commitment tree
// through the consensus phases: init_chain, begin_block, deliver_tx,
// end_block, commit. The driver is the only component that holds a
// block-level overlay; everything below it works against injected
// StateRead/StateWrite capabilities. Toward the outer process the driver
// speaks cometbft shapes (events), but it deliberately does not implement
// the full ABCI server surface, which is external to the core.
package abci

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/veilstate/veil/internal/dex/candle"
	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
	"github.com/veilstate/veil/internal/dex/router"
	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/hashutil"
	"github.com/veilstate/veil/internal/metrics"
	"github.com/veilstate/veil/internal/state"
	"github.com/veilstate/veil/internal/statetypes"
	"github.com/veilstate/veil/internal/storage"
	"github.com/veilstate/veil/internal/tct"
)

// Substores the driver writes outside the DEX.
const (
	miscSubstore = "misc"

	chainIDKey     = "chain/id"
	tctStateKey    = "shielded/tct"
	anchorKeyFmt   = "shielded/anchor/%016x"
	nullifierFmt   = "shielded/nullifier/%x"
	delegationFmt  = "staking/delegation/%x"
	blockHeightKey = "chain/height"
)

// Options configures a Driver.
type Options struct {
	// HubAssets is the router's fixed always-considered candidate list.
	HubAssets []dextypes.AssetID
	// MaxHops bounds router path length; zero means 4.
	MaxHops int
	Logger  *zap.SugaredLogger
}

// Driver runs blocks against the storage engine.
type Driver struct {
	storage *storage.Storage
	log     *zap.SugaredLogger
	hubs    []dextypes.AssetID
	maxHops int

	// Per-block state, valid between BeginBlock and Commit.
	height    uint64
	block     *state.Overlay
	tree      *tct.Tree
	candles   *candle.Aggregator
	swapFlows map[dextypes.Pair]*flows
	flowOrder []dextypes.Pair
}

type flows struct {
	delta1 *uint256.Int
	delta2 *uint256.Int
}

// New builds a driver over an opened storage engine.
func New(st *storage.Storage, opts Options) *Driver {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Driver{
		storage: st,
		log:     opts.Logger,
		hubs:    opts.HubAssets,
		maxHops: opts.MaxHops,
	}
}

// InitChain writes the chain identity at genesis and commits the genesis
// snapshot, returning the genesis app hash. Must run exactly once, against
// a pre-genesis store.
func (d *Driver) InitChain(ctx context.Context, chainID string) (hashutil.Hash, error) {
	snap := d.storage.LatestSnapshot()
	ov := state.NewOverlay(snap)
	if err := ov.Put(ctx, "", chainIDKey, []byte(chainID)); err != nil {
		return hashutil.Hash{}, err
	}

	tree := tct.New()
	if err := d.persistTree(ctx, ov, tree); err != nil {
		return hashutil.Hash{}, err
	}

	batch, err := d.storage.PrepareCommit(ctx, ov)
	if err != nil {
		return hashutil.Hash{}, fmt.Errorf("abci: init chain prepare: %w", err)
	}
	committed, err := d.storage.CommitBatch(ctx, batch)
	if err != nil {
		return hashutil.Hash{}, fmt.Errorf("abci: init chain commit: %w", err)
	}
	d.log.Infow("chain initialized", "chain_id", chainID, "app_hash", committed.Root())
	return committed.Root(), nil
}

// PrepareProposal and ProcessProposal are interface-level passthroughs: the
// core neither reorders nor censors transactions; the outer process owns
// mempool policy.
func (d *Driver) PrepareProposal(ctx context.Context, txs [][]byte) ([][]byte, error) {
	return txs, nil
}

// ProcessProposal accepts every structurally-decodable proposal.
func (d *Driver) ProcessProposal(ctx context.Context, txs [][]byte) (bool, error) {
	for _, raw := range txs {
		var tx statetypes.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// BeginBlock opens a fresh overlay over the latest snapshot and restores
// the commitment tree from its end-of-last-block serialization.
func (d *Driver) BeginBlock(ctx context.Context, height uint64) error {
	if d.block != nil {
		return errors.New("abci: begin_block while a block is in progress")
	}
	snap := d.storage.LatestSnapshot()
	d.block = state.NewOverlay(snap)
	d.height = height
	d.candles = candle.NewAggregator()
	d.swapFlows = make(map[dextypes.Pair]*flows)
	d.flowOrder = nil

	tree, err := d.loadTree(ctx, d.block)
	if err != nil {
		d.block = nil
		return err
	}
	d.tree = tree
	return nil
}

// DeliverTx executes one transaction against a nested overlay. On any
// action error the nested overlay is discarded and the error returned;
// earlier transactions' writes are unaffected. On success the overlay is
// applied into the block overlay and the transaction's events returned.
func (d *Driver) DeliverTx(ctx context.Context, tx *statetypes.Transaction) ([]abcitypes.Event, error) {
	if d.block == nil {
		return nil, errors.New("abci: deliver_tx outside a block")
	}
	// The commitment tree mutates in place, outside the overlay's
	// copy-on-write discipline; snapshot it so a failed transaction rolls
	// back its inserts along with its writes.
	treeBefore, err := d.tree.MarshalBinary()
	if err != nil {
		return nil, err
	}
	txOverlay := state.NewOverlay(d.block)
	if err := d.runTransaction(ctx, txOverlay, tx); err != nil {
		if restoreErr := d.tree.UnmarshalBinary(treeBefore); restoreErr != nil {
			return nil, fmt.Errorf("abci: tree rollback failed: %w (after %w)", restoreErr, err)
		}
		metrics.TxRejected.WithLabelValues(errorKind(err)).Inc()
		if errors.Is(err, engineerr.ErrVcbUnderflow) || errors.Is(err, engineerr.ErrVcbOverflow) {
			metrics.VcbRejects.Inc()
			d.log.Errorw("value circuit breaker abort", "height", d.height, "err", err)
		}
		return nil, err
	}
	events := toABCIEvents(txOverlay.Events())
	if err := txOverlay.Apply(); err != nil {
		return nil, err
	}
	d.candles.Absorb(txOverlay, d.height)
	return events, nil
}

func (d *Driver) runTransaction(ctx context.Context, ov *state.Overlay, tx *statetypes.Transaction) error {
	for i, action := range tx.Actions {
		if err := d.runAction(ctx, ov, action); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func (d *Driver) runAction(ctx context.Context, ov *state.Overlay, action statetypes.Action) error {
	pm := position.NewManager(ov)
	switch act := action.(type) {
	case statetypes.Swap:
		// Swaps execute at end-of-block; deliver time only accumulates the
		// pair's flows and escrows nothing the core tracks.
		d.addSwapFlow(act.Pair, act.Delta1, act.Delta2)
		ov.RecordEvent(state.Event{Type: "swap", Attributes: map[string]string{
			"pair": fmt.Sprintf("%s:%s", act.Pair.Asset1, act.Pair.Asset2),
		}})
		return nil

	case statetypes.SwapClaim:
		bsod, ok, err := router.BatchSwapOutput(ctx, ov, act.Pair, act.Height)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("abci: no batch swap output for pair at height %d", act.Height)
		}
		out1, out2 := bsod.ProRataOutputs(act.Delta1, act.Delta2)
		ov.RecordEvent(state.Event{Type: "swap_claim", Attributes: map[string]string{
			"height": fmt.Sprintf("%d", act.Height),
			"out_1":  out1.Dec(),
			"out_2":  out2.Dec(),
		}})
		return nil

	case statetypes.PositionOpen:
		pos := act.Position
		id, err := pm.Open(ctx, &pos)
		if err != nil {
			return err
		}
		ov.RecordEvent(state.Event{Type: "position_open", Attributes: map[string]string{
			"id": id.String(),
		}})
		return nil

	case statetypes.PositionClose:
		if err := pm.Close(ctx, act.ID); err != nil {
			return err
		}
		ov.RecordEvent(state.Event{Type: "position_close", Attributes: map[string]string{
			"id": act.ID.String(),
		}})
		return nil

	case statetypes.PositionWithdraw:
		withdrawn, err := pm.Withdraw(ctx, act.ID, act.ReservesCommitment, act.Sequence)
		if err != nil {
			return err
		}
		ov.RecordEvent(state.Event{Type: "position_withdraw", Attributes: map[string]string{
			"id":  act.ID.String(),
			"r_1": withdrawn.R1.Dec(),
			"r_2": withdrawn.R2.Dec(),
		}})
		return nil

	case statetypes.Spend:
		nb := act.Nullifier.Bytes()
		key := fmt.Sprintf(nullifierFmt, nb[:])
		if _, spent, err := ov.Get(ctx, miscSubstore, key); err != nil {
			return err
		} else if spent {
			return fmt.Errorf("abci: double spend of nullifier %x", nb[:])
		}
		return ov.Put(ctx, miscSubstore, key, []byte{1})

	case statetypes.Output:
		witness := tct.Forget
		if act.Remember {
			witness = tct.Keep
		}
		if _, err := d.tree.Insert(witness, act.Commitment); err != nil {
			return err
		}
		return nil

	case statetypes.Delegate:
		return d.adjustDelegation(ctx, ov, act.Validator, act.Amount, false)

	case statetypes.Undelegate:
		return d.adjustDelegation(ctx, ov, act.Validator, act.Amount, true)

	default:
		return fmt.Errorf("abci: unknown action %T", action)
	}
}

// adjustDelegation tracks per-validator delegated balance; the staking
// module's validator-set logic is an external collaborator.
func (d *Driver) adjustDelegation(ctx context.Context, ov *state.Overlay, validator [32]byte, amount *uint256.Int, undelegate bool) error {
	key := fmt.Sprintf(delegationFmt, validator[:])
	bal := uint256.NewInt(0)
	if raw, ok, err := ov.Get(ctx, miscSubstore, key); err != nil {
		return err
	} else if ok {
		bal.SetBytes(raw)
	}
	if amount == nil {
		amount = uint256.NewInt(0)
	}
	if undelegate {
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("abci: undelegation of %s exceeds delegated balance %s", amount.Dec(), bal.Dec())
		}
		bal.Sub(bal, amount)
	} else {
		var overflow bool
		if bal, overflow = new(uint256.Int).AddOverflow(bal, amount); overflow {
			return errors.New("abci: delegation balance overflow")
		}
	}
	b := bal.Bytes32()
	return ov.Put(ctx, miscSubstore, key, b[:])
}

func (d *Driver) addSwapFlow(pair dextypes.Pair, delta1, delta2 *uint256.Int) {
	f, ok := d.swapFlows[pair]
	if !ok {
		f = &flows{delta1: uint256.NewInt(0), delta2: uint256.NewInt(0)}
		d.swapFlows[pair] = f
		d.flowOrder = append(d.flowOrder, pair)
	}
	if delta1 != nil {
		f.delta1.Add(f.delta1, delta1)
	}
	if delta2 != nil {
		f.delta2.Add(f.delta2, delta2)
	}
}

// EndBlock finalizes the block: runs every pair's batch swap, seals the
// commitment tree's block tier, persists the tree and its anchor, and
// writes the block's candlesticks.
func (d *Driver) EndBlock(ctx context.Context) error {
	if d.block == nil {
		return errors.New("abci: end_block outside a block")
	}

	// Batch swaps run in first-seen pair order; the per-pair record key
	// makes the order unobservable in state.
	rec := candle.NewRecorder(d.block)
	r := router.NewRouter(d.block, d.hubs, d.maxHops, rec)
	for _, pair := range d.flowOrder {
		f := d.swapFlows[pair]
		if _, err := r.ExecuteBatchSwap(ctx, pair, f.delta1, f.delta2, d.height); err != nil {
			return err
		}
		metrics.BatchSwaps.Inc()
	}
	d.candles.Absorb(d.block, d.height)
	if err := d.candles.EndBlock(ctx, d.block, d.height); err != nil {
		return err
	}

	if err := d.tree.EndBlock(); err != nil {
		return err
	}
	anchor := d.tree.Root()
	ab := anchor.Bytes()
	if err := d.block.Put(ctx, miscSubstore, fmt.Sprintf(anchorKeyFmt, d.height), ab[:]); err != nil {
		return err
	}
	if err := d.persistTree(ctx, d.block, d.tree); err != nil {
		return err
	}

	hb := make([]byte, 8)
	for i, v := 7, d.height; i >= 0; i, v = i-1, v>>8 {
		hb[i] = byte(v)
	}
	return d.block.Put(ctx, miscSubstore, blockHeightKey, hb)
}

// Commit prepares and commits the block's write batch, returning the new
// global root hash. The block overlay is consumed either way: a failed
// commit leaves the engine on the prior durable snapshot.
func (d *Driver) Commit(ctx context.Context) (hashutil.Hash, error) {
	if d.block == nil {
		return hashutil.Hash{}, errors.New("abci: commit outside a block")
	}
	block := d.block
	d.block = nil
	d.tree = nil

	start := time.Now()
	batch, err := d.storage.PrepareCommit(ctx, block)
	if err != nil {
		return hashutil.Hash{}, fmt.Errorf("abci: prepare commit: %w", err)
	}
	snap, err := d.storage.CommitBatch(ctx, batch)
	if err != nil {
		return hashutil.Hash{}, fmt.Errorf("abci: commit batch: %w", err)
	}
	metrics.CommitSeconds.Observe(time.Since(start).Seconds())
	metrics.CommittedVersion.Set(float64(snap.Version()))
	d.log.Infow("block committed",
		"height", d.height, "version", snap.Version(), "app_hash", snap.Root())
	return snap.Root(), nil
}

// Tree exposes the in-progress block's commitment tree (for witnessing
// within the block); nil outside a block.
func (d *Driver) Tree() *tct.Tree { return d.tree }

func (d *Driver) persistTree(ctx context.Context, ov *state.Overlay, tree *tct.Tree) error {
	raw, err := tree.MarshalBinary()
	if err != nil {
		return err
	}
	return ov.NonverifiablePut(ctx, miscSubstore, []byte(tctStateKey), raw)
}

func (d *Driver) loadTree(ctx context.Context, ov *state.Overlay) (*tct.Tree, error) {
	raw, ok, err := ov.NonverifiableGet(ctx, miscSubstore, []byte(tctStateKey))
	if err != nil {
		return nil, err
	}
	tree := tct.New()
	if ok {
		if err := tree.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("abci: restore commitment tree: %w", err)
		}
	}
	return tree, nil
}

func toABCIEvents(events []state.Event) []abcitypes.Event {
	out := make([]abcitypes.Event, 0, len(events))
	for _, e := range events {
		attrs := make([]abcitypes.EventAttribute, 0, len(e.Attributes))
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, abcitypes.EventAttribute{Key: k, Value: e.Attributes[k]})
		}
		out = append(out, abcitypes.Event{Type: e.Type, Attributes: attrs})
	}
	return out
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, engineerr.ErrVcbUnderflow):
		return "vcb_underflow"
	case errors.Is(err, engineerr.ErrVcbOverflow):
		return "vcb_overflow"
	case errors.Is(err, engineerr.ErrDuplicatePosition):
		return "duplicate_position"
	case errors.Is(err, engineerr.ErrPositionNotOpened):
		return "position_not_opened"
	case errors.Is(err, engineerr.ErrTctFull):
		return "tct_full"
	case errors.Is(err, engineerr.ErrSequenceMismatch):
		return "sequence_mismatch"
	case errors.Is(err, engineerr.ErrReservesCommitmentMismatch):
		return "reserves_commitment_mismatch"
	default:
		return "other"
	}
}
