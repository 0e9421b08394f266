// Copyright 2025 Civica Ledger Contributors
//
// Package metrics registers the Prometheus collectors every running
// node exposes on its metrics listener: local ledger height, quorum
// gather latency, replication queue depth, backpressure rejections,
// and peer failure counts. The teacher's go.mod already requires
// github.com/prometheus/client_golang; this package is the home the
// teacher's own code never built for it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerHeight is the local store's global height, labelled by author:
	// each author's gauge holds the height as of that author's latest append.
	LedgerHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_height",
			Help: "Current append height of the local ledger store.",
		},
		[]string{"author"},
	)

	// QuorumGatherSeconds times each Propose call from start to return,
	// including the final append; failed proposals are observed too.
	QuorumGatherSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_quorum_gather_seconds",
			Help:    "Time to gather quorum co-signatures for a proposed record.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// ReplicationQueueDepth tracks the current length of the
	// replication sync queue.
	ReplicationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_replication_queue_depth",
			Help: "Current number of pending records in the replication sync queue.",
		},
	)

	// ReplicationBackpressureTotal counts rejected enqueues, i.e. the
	// queue was full and the caller's record was refused rather than
	// silently dropped.
	ReplicationBackpressureTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_replication_backpressure_total",
			Help: "Total enqueue attempts rejected because the replication queue was full.",
		},
	)

	// PeerFailuresTotal counts failed RPCs per peer, the same signal
	// PeerRegistry uses to decide quarantine.
	PeerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_peer_failures_total",
			Help: "Total failed RPCs to a replication peer.",
		},
		[]string{"validator_id"},
	)

	// PeerQuarantinedTotal counts quarantine transitions per peer.
	PeerQuarantinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_peer_quarantined_total",
			Help: "Total times a replication peer was quarantined after repeated failures.",
		},
		[]string{"validator_id"},
	)

	// RollupsEmittedTotal counts successful rollup emissions per tier.
	RollupsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rollups_emitted_total",
			Help: "Total rollup records emitted, by tier.",
		},
		[]string{"tier"},
	)
)

// Handler returns the promhttp handler a node mounts on its metrics
// listener at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
