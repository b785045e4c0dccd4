// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package metrics exposes the engine's Prometheus collectors. Registration
// happens at import via promauto against the default registerer; cmd/veild
// serves them over promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitSeconds observes the latency of prepare_commit + commit_batch
	// per block.
	CommitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veil",
		Subsystem: "storage",
		Name:      "commit_seconds",
		Help:      "Latency of preparing and committing one block's write batch.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// CommittedVersion tracks the root substore's current version.
	CommittedVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veil",
		Subsystem: "storage",
		Name:      "committed_version",
		Help:      "Root substore version of the latest committed snapshot.",
	})

	// TxRejected counts transactions discarded by execution errors, by
	// error kind.
	TxRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "app",
		Name:      "tx_rejected_total",
		Help:      "Transactions discarded during deliver_tx, by error kind.",
	}, []string{"kind"})

	// VcbRejects counts value-circuit-breaker aborts specifically; these
	// indicate ledger corruption attempts or bugs, not user error.
	VcbRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "dex",
		Name:      "vcb_rejects_total",
		Help:      "Actions aborted by a value circuit breaker underflow or overflow.",
	})

	// BatchSwaps counts executed end-of-block batch swaps.
	BatchSwaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "dex",
		Name:      "batch_swaps_total",
		Help:      "Batch swaps executed at end-of-block.",
	})
)
