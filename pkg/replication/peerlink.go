// Copyright 2025 Civica Ledger Contributors
//
// Package replication implements the Replication Protocol (C6): five
// peer RPCs (Head/GetRange/GetById/SubmitProposal/Health) served over
// net/http, a pull-sync loop that catches a node up to its peers, and
// quarantine of peers that fail too often. Grounded on the mux/HTTP-client
// shape of main.go and pkg/attestation/service.go, and on the
// stall/peer-count tracking shape of pkg/consensus/health_monitor.go.
package replication

import (
	"sync"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/metrics"
)

// DefaultQuarantineThreshold is how many consecutive RPC failures a peer
// tolerates before PeerRegistry marks it quarantined and the syncer stops
// pulling from it.
const DefaultQuarantineThreshold = 5

// PeerRegistry tracks what this node knows about its replication peers:
// address, last successful contact, and failure streak — the same shape
// as the teacher's ConsensusHealthMonitor but keyed per peer instead of
// per whole-network.
type PeerRegistry struct {
	mu                  sync.RWMutex
	peers               map[string]*ledger.PeerLink
	quarantineThreshold int
}

// NewPeerRegistry creates a registry seeded with addrs, all initially
// healthy.
func NewPeerRegistry(addrs map[string]string, quarantineThreshold int) *PeerRegistry {
	if quarantineThreshold <= 0 {
		quarantineThreshold = DefaultQuarantineThreshold
	}
	reg := &PeerRegistry{peers: make(map[string]*ledger.PeerLink, len(addrs)), quarantineThreshold: quarantineThreshold}
	for id, addr := range addrs {
		reg.peers[id] = &ledger.PeerLink{PeerID: id, Address: addr, LastHealthyAt: time.Now()}
	}
	return reg
}

// Addresses returns the addresses of every peer not currently quarantined.
func (r *PeerRegistry) Addresses() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	for id, p := range r.peers {
		if p.FailureCount < r.quarantineThreshold {
			out[id] = p.Address
		}
	}
	return out
}

// RecordSuccess clears a peer's failure streak and updates its last-seen
// height.
func (r *PeerRegistry) RecordSuccess(peerID string, height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	p.FailureCount = 0
	p.LastHealthyAt = time.Now()
	p.HeightSeen = height
}

// RecordFailure increments a peer's failure streak, quarantining it once
// the streak reaches the configured threshold.
func (r *PeerRegistry) RecordFailure(peerID string) (quarantined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return false
	}
	p.FailureCount++
	metrics.PeerFailuresTotal.WithLabelValues(peerID).Inc()
	quarantined = p.FailureCount >= r.quarantineThreshold
	if quarantined && p.FailureCount == r.quarantineThreshold {
		metrics.PeerQuarantinedTotal.WithLabelValues(peerID).Inc()
	}
	return quarantined
}

// Snapshot returns a copy of every known peer's current state, for the
// /health RPC.
func (r *PeerRegistry) Snapshot() []ledger.PeerLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ledger.PeerLink, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Reinstate clears a quarantined peer's failure streak, letting the
// syncer try it again — used after an operator confirms the peer is
// back up.
func (r *PeerRegistry) Reinstate(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		p.FailureCount = 0
	}
}
