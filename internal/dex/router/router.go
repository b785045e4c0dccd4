// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	tbtree "github.com/tidwall/btree"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
	"github.com/veilstate/veil/internal/engineerr"
	"github.com/veilstate/veil/internal/state"
)

// candidateLimit caps how many liquidity-ranked assets join the hub list
// at each hop, so flooding the books with tiny positions cannot occlude
// real routes through the fixed hubs.
const candidateLimit = 5

// Router searches multi-hop routes over the opened-position graph and
// executes batch swaps against them.
type Router struct {
	st      *state.Overlay
	pm      *position.Manager
	matcher *Matcher
	hubs    []dextypes.AssetID
	maxHops int
}

// NewRouter builds a router over st. hubs is the fixed always-considered
// candidate list; maxHops bounds path length.
func NewRouter(st *state.Overlay, hubs []dextypes.AssetID, maxHops int, rec ExecutionRecorder) *Router {
	pm := position.NewManager(st)
	return &Router{
		st:      st,
		pm:      pm,
		matcher: NewMatcher(pm, rec),
		hubs:    hubs,
		maxHops: maxHops,
	}
}

// Matcher exposes the router's matcher for direct single-pair fills.
func (r *Router) Matcher() *Matcher { return r.matcher }

// liquidityRank is one (asset, aggregate liquidity) entry in the per-hop
// candidate ranking, ordered liquidity-descending with asset id as the
// deterministic tiebreak.
type liquidityRank struct {
	asset     dextypes.AssetID
	liquidity *uint256.Int
}

func lessLiquidityRank(a, b liquidityRank) bool {
	if c := a.liquidity.Cmp(b.liquidity); c != 0 {
		return c > 0
	}
	return bytes.Compare(a.asset[:], b.asset[:]) < 0
}

// candidates returns the candidate set for extending a path currently at
// from: the fixed hubs plus up to candidateLimit assets ranked by
// aggregate reachable liquidity. The result is deduplicated and
// deterministically ordered.
func (r *Router) candidates(ctx context.Context, from dextypes.AssetID) ([]dextypes.AssetID, error) {
	agg, err := r.pm.ReachableLiquidity(ctx, from)
	if err != nil {
		return nil, err
	}
	ranked := tbtree.NewBTreeG[liquidityRank](lessLiquidityRank)
	for asset, liq := range agg {
		ranked.Set(liquidityRank{asset: asset, liquidity: liq})
	}

	seen := make(map[dextypes.AssetID]bool)
	var out []dextypes.AssetID
	add := func(a dextypes.AssetID) {
		if !seen[a] && !a.Equal(from) {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, hub := range r.hubs {
		add(hub)
	}
	taken := 0
	ranked.Scan(func(e liquidityRank) bool {
		if taken >= candidateLimit {
			return false
		}
		taken++
		add(e.asset)
		return true
	})
	return out, nil
}

// FindBestPath searches paths of length <= maxHops from src to dst and
// returns the best one under the deterministic ordering (lowest price,
// then fewest hops, then lexicographic asset sequence). Returns
// ErrPathNotFound if dst is unreachable.
func (r *Router) FindBestPath(ctx context.Context, src, dst dextypes.AssetID) (*Path, error) {
	if src.Equal(dst) {
		return nil, fmt.Errorf("%w: source equals destination", engineerr.ErrPathNotFound)
	}

	// bestTo holds the best known path per asset; extensions that cannot
	// beat it are pruned. Monotone hop-by-hop relaxation: every hop
	// multiplies price by >= its hop price, so a dominated prefix never
	// yields the winning path under the price-first ordering.
	bestTo := make(map[dextypes.AssetID]*Path)
	frontier := []*Path{Begin(src, r.st)}

	for hop := 0; hop < r.maxHops && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []*Path
		for _, path := range frontier {
			cands, err := r.candidates(ctx, path.End())
			if err != nil {
				return nil, err
			}
			for _, cand := range cands {
				extended, ok, err := path.ExtendTo(ctx, cand)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				if !better(extended, bestTo[cand]) {
					continue
				}
				bestTo[cand] = extended
				if !cand.Equal(dst) {
					next = append(next, extended)
				}
			}
		}
		// Deterministic expansion order for the next round.
		sort.Slice(next, func(i, j int) bool { return better(next[i], next[j]) })
		frontier = next
	}

	best, ok := bestTo[dst]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s within %d hops", engineerr.ErrPathNotFound, src, dst, r.maxHops)
	}
	return best, nil
}

// routeCapacity computes, for a concrete path, the largest source amount
// the route can absorb end to end, by walking the hops backward and
// converting each hop's pay-out capacity into required input. Rounding is
// downward at every conversion, so forward execution never leaves an
// intermediate hop with unfillable input.
func (r *Router) routeCapacity(ctx context.Context, nodes []dextypes.AssetID) (*uint256.Int, error) {
	var limitOut *uint256.Int // nil = unbounded
	for i := len(nodes) - 1; i > 0; i-- {
		pair := dextypes.DirectedPair{Start: nodes[i-1], End: nodes[i]}
		capOut, err := r.matcher.maxOutput(ctx, pair)
		if err != nil {
			return nil, err
		}
		if limitOut != nil && limitOut.Cmp(capOut) < 0 {
			capOut = limitOut
		}
		in, _, err := r.matcher.inputForOutput(ctx, pair, capOut)
		if err != nil {
			return nil, err
		}
		limitOut = in
	}
	if limitOut == nil {
		return uint256.NewInt(0), nil
	}
	return limitOut, nil
}

// fillRoute sends input through the path's hops in order, filling each hop
// against its positions best-first. The amount sent is pre-limited to the
// route's capacity; the remainder is returned unfilled at the source.
func (r *Router) fillRoute(ctx context.Context, input dextypes.Value, nodes []dextypes.AssetID) (unfilled, output dextypes.Value, err error) {
	capacity, err := r.routeCapacity(ctx, nodes)
	if err != nil {
		return dextypes.Value{}, dextypes.Value{}, err
	}
	send := new(uint256.Int).Set(input.Amount)
	if send.Cmp(capacity) > 0 {
		send.Set(capacity)
	}
	left := new(uint256.Int).Sub(input.Amount, send)

	cur := dextypes.Value{Amount: send, AssetID: input.AssetID}
	for i := 1; i < len(nodes); i++ {
		if cur.Amount.IsZero() {
			break
		}
		hopUnfilled, hopOut, _, err := r.matcher.Fill(ctx, cur, nodes[i])
		if err != nil {
			return dextypes.Value{}, dextypes.Value{}, err
		}
		if i == 1 {
			// Source-hop remainder flows back to the caller.
			left.Add(left, hopUnfilled.Amount)
		} else if !hopUnfilled.Amount.IsZero() {
			// Capacity planning guarantees intermediate hops absorb
			// everything; any residue here is a rounding invariant breach.
			return dextypes.Value{}, dextypes.Value{}, fmt.Errorf(
				"dex: route left %s unfilled at intermediate hop %s",
				hopUnfilled.Amount.Dec(), nodes[i-1])
		}
		cur = hopOut
	}
	if cur.AssetID != nodes[len(nodes)-1] {
		// Nothing was sendable; report a zero output in the destination
		// asset rather than the source asset.
		cur = dextypes.Value{Amount: uint256.NewInt(0), AssetID: nodes[len(nodes)-1]}
	}
	return dextypes.Value{Amount: left, AssetID: input.AssetID}, cur, nil
}

// RouteAndFill repeatedly searches for the best path from input's asset to
// dst and fills along it, re-searching after each round since fills move
// prices, until the input is exhausted or no route remains. Returns the
// unfilled remainder and total output.
func (r *Router) RouteAndFill(ctx context.Context, input dextypes.Value, dst dextypes.AssetID) (unfilled, output dextypes.Value, err error) {
	remaining := dextypes.Value{Amount: new(uint256.Int).Set(input.Amount), AssetID: input.AssetID}
	total := uint256.NewInt(0)

	for !remaining.Amount.IsZero() {
		if err := ctx.Err(); err != nil {
			return dextypes.Value{}, dextypes.Value{}, err
		}
		path, err := r.FindBestPath(ctx, remaining.AssetID, dst)
		if err != nil {
			if errors.Is(err, engineerr.ErrPathNotFound) {
				break
			}
			return dextypes.Value{}, dextypes.Value{}, err
		}
		left, out, err := r.fillRoute(ctx, remaining, path.Nodes())
		if err != nil {
			return dextypes.Value{}, dextypes.Value{}, err
		}
		sent := new(uint256.Int).Sub(remaining.Amount, left.Amount)
		if r.matcher.rec != nil && !sent.IsZero() {
			r.matcher.rec.RecordSwapExecution(
				dextypes.DirectedPair{Start: input.AssetID, End: dst}, path.Price(), sent)
		}
		total.Add(total, out.Amount)
		// Input consumed for zero output (sub-unit rounding) is gone into
		// the filled positions; it must not also count as unfilled.
		remaining = left
		if out.Amount.IsZero() {
			break
		}
	}
	return remaining, dextypes.Value{Amount: total, AssetID: dst}, nil
}
