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

	"github.com/holiman/uint256"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/dex/position"
	"github.com/veilstate/veil/internal/state"
)

// Path is one candidate route: the asset sequence from source to its
// current end, and the end-to-end price as the product of each hop's best
// effective price (PriceScale fixed point, so lower is better). Extension
// is estimation only; nothing is filled until the batch executor commits
// to a path.
type Path struct {
	nodes []dextypes.AssetID
	price *uint256.Int
	st    *state.Overlay
	pm    *position.Manager
}

// Begin creates the degenerate zero-length path at src with price one.
func Begin(src dextypes.AssetID, st *state.Overlay) *Path {
	return &Path{
		nodes: []dextypes.AssetID{src},
		price: new(uint256.Int).Set(dextypes.PriceScale),
		st:    st,
		pm:    position.NewManager(st),
	}
}

// Start returns the path's source asset.
func (p *Path) Start() dextypes.AssetID { return p.nodes[0] }

// End returns the path's current terminal asset.
func (p *Path) End() dextypes.AssetID { return p.nodes[len(p.nodes)-1] }

// Nodes returns the full asset sequence.
func (p *Path) Nodes() []dextypes.AssetID { return p.nodes }

// Price returns the end-to-end fixed-point price.
func (p *Path) Price() *uint256.Int { return new(uint256.Int).Set(p.price) }

// Hops returns the number of hops (edges) in the path.
func (p *Path) Hops() int { return len(p.nodes) - 1 }

// Fork clones the path and layers a fresh overlay over its state handle,
// so alternative extensions never observe each other's scratch reads or
// mutate the parent's view.
func (p *Path) Fork() *Path {
	nodes := make([]dextypes.AssetID, len(p.nodes))
	copy(nodes, p.nodes)
	st := state.NewOverlay(p.st)
	return &Path{
		nodes: nodes,
		price: new(uint256.Int).Set(p.price),
		st:    st,
		pm:    position.NewManager(st),
	}
}

// ExtendTo attempts to extend the path by one hop to next, pricing the hop
// at the best (lowest) effective price among opened positions between
// End() and next. Reports false if next is already on the path or no
// opened position serves the hop.
func (p *Path) ExtendTo(ctx context.Context, next dextypes.AssetID) (*Path, bool, error) {
	for _, n := range p.nodes {
		if next.Equal(n) {
			return nil, false, nil
		}
	}
	child := p.Fork()
	pair := dextypes.DirectedPair{Start: p.End(), End: next}
	ids, err := child.pm.PositionsByPrice(ctx, pair)
	if err != nil {
		return nil, false, err
	}
	var hopPrice *uint256.Int
	for _, id := range ids {
		pos, ok, err := child.pm.PositionByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !ok || pos.State != dextypes.Opened {
			continue
		}
		hopPrice, err = pos.Phi.EffectivePrice(pair.Start)
		if err != nil {
			return nil, false, err
		}
		break
	}
	if hopPrice == nil {
		return nil, false, nil
	}
	// price = price * hopPrice / PriceScale, flooring.
	newPrice, overflow := new(uint256.Int).MulDivOverflow(child.price, hopPrice, dextypes.PriceScale)
	if overflow {
		// Absurdly expensive path; treat as unroutable rather than wrap.
		return nil, false, nil
	}
	child.nodes = append(child.nodes, next)
	child.price = newPrice
	return child, true, nil
}

// better reports whether a is strictly preferable to b under the
// deterministic ordering: lowest price, then fewest hops, then
// lexicographically smallest asset sequence. b may be nil.
func better(a, b *Path) bool {
	if b == nil {
		return true
	}
	if c := a.price.Cmp(b.price); c != 0 {
		return c < 0
	}
	if len(a.nodes) != len(b.nodes) {
		return len(a.nodes) < len(b.nodes)
	}
	for i := range a.nodes {
		if c := bytes.Compare(a.nodes[i][:], b.nodes[i][:]); c != 0 {
			return c < 0
		}
	}
	return false
}
