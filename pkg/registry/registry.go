// Copyright 2025 Civica Ledger Contributors
//
// Package registry implements the Validator Registry (C3): the
// replay-derived view of who may co-sign records, and with what weight,
// at any point in ledger time. Grounded on the map-plus-RWMutex registry
// shape of the teacher's pkg/strategy/registry.go, generalized from a
// static strategy table to a registry whose state is entirely derived by
// replaying genesis/validator_* records rather than being configured
// up-front.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// QuorumMode selects how QuorumWeight computes its threshold, set once by
// the genesis record and immutable for the life of the ledger.
type QuorumMode string

const (
	QuorumMajority QuorumMode = "majority"
	QuorumWeighted QuorumMode = "weighted"
)

// event is one validator-set mutation, carrying the wall-clock time it
// took effect so ActiveSet/QuorumWeight can be asked about the past.
type event struct {
	at   time.Time
	kind ledger.Kind
	v    ledger.Validator // for added; for paused/revoked only ID+Status matter
}

// Registry is the replay-derived validator set. Apply is called once, in
// ledger order, for every genesis and validator_* record; ActiveSet and
// QuorumWeight answer "as of" queries by replaying the event log up to a
// cutoff rather than maintaining a single point-in-time map, which is what
// lets the submission and rollup layers ask "who was active when this
// record was created" even after the set has since changed.
type Registry struct {
	mu              sync.RWMutex
	events          []event
	principalEvents []principalEvent
	quorumMode      QuorumMode
	genesisAt       time.Time
}

// New returns an empty registry. Call Apply with the ledger's genesis
// record before anything else; ActiveSet/QuorumWeight return zero values
// until genesis has been applied.
func New() *Registry {
	return &Registry{}
}

// Apply folds one genesis, validator_*, user_registered or key_rotated
// record into the registry. Records of any other kind are ignored, so callers can pass every
// record in ledger order without pre-filtering.
func (r *Registry) Apply(rec *ledger.Record) error {
	switch rec.Kind {
	case ledger.KindGenesis:
		p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			return fmt.Errorf("registry: decode genesis payload: %w", err)
		}
		gp := p.(*ledger.GenesisPayload)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.quorumMode = QuorumMode(gp.QuorumMode)
		r.genesisAt = rec.CreatedAt
		for _, v := range gp.FoundingValidators {
			v.Status = ledger.ValidatorActive
			v.AddedAt = rec.CreatedAt
			if v.Weight == 0 {
				v.Weight = 1
			}
			r.events = append(r.events, event{at: rec.CreatedAt, kind: ledger.KindValidatorAdded, v: v})
		}
		return nil

	case ledger.KindValidatorAdded:
		p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			return fmt.Errorf("registry: decode validator_added payload: %w", err)
		}
		vp := p.(*ledger.ValidatorAddedPayload)
		weight := vp.Weight
		if weight == 0 {
			weight = 1
		}
		v := ledger.Validator{
			ID:           vp.ValidatorID,
			PublicKey:    vp.PublicKey,
			Role:         vp.Role,
			Jurisdiction: vp.Jurisdiction,
			Status:       ledger.ValidatorActive,
			Weight:       weight,
			AddedAt:      rec.CreatedAt,
		}
		r.mu.Lock()
		r.events = append(r.events, event{at: rec.CreatedAt, kind: rec.Kind, v: v})
		r.mu.Unlock()
		return nil

	case ledger.KindValidatorPaused:
		p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			return fmt.Errorf("registry: decode validator_paused payload: %w", err)
		}
		vp := p.(*ledger.ValidatorPausedPayload)
		r.mu.Lock()
		r.events = append(r.events, event{at: rec.CreatedAt, kind: rec.Kind, v: ledger.Validator{ID: vp.ValidatorID, Status: ledger.ValidatorPaused}})
		r.mu.Unlock()
		return nil

	case ledger.KindValidatorRevoked:
		p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			return fmt.Errorf("registry: decode validator_revoked payload: %w", err)
		}
		vp := p.(*ledger.ValidatorRevokedPayload)
		r.mu.Lock()
		r.events = append(r.events, event{at: rec.CreatedAt, kind: rec.Kind, v: ledger.Validator{ID: vp.ValidatorID, Status: ledger.ValidatorRevoked}})
		r.mu.Unlock()
		return nil

	case ledger.KindUserRegistered:
		return r.applyUserRegistered(rec)

	case ledger.KindKeyRotated:
		return r.applyKeyRotated(rec)

	default:
		return nil
	}
}

// ActiveSet returns the validators with ValidatorActive status as of at,
// keyed by id. It implements the ValidatorResolver interface consumed by
// pkg/ledgerstore and pkg/submission.
func (r *Registry) ActiveSet(at time.Time) map[string]ledger.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := map[string]ledger.Validator{}
	for _, ev := range r.events {
		if ev.at.After(at) {
			break // events are appended in ledger (hence time) order
		}
		switch ev.kind {
		case ledger.KindValidatorAdded:
			set[ev.v.ID] = ev.v
		case ledger.KindValidatorPaused:
			if existing, ok := set[ev.v.ID]; ok {
				existing.Status = ledger.ValidatorPaused
				set[ev.v.ID] = existing
			}
		case ledger.KindValidatorRevoked:
			if existing, ok := set[ev.v.ID]; ok {
				existing.Status = ledger.ValidatorRevoked
				set[ev.v.ID] = existing
			}
		}
	}

	active := make(map[string]ledger.Validator, len(set))
	for id, v := range set {
		if v.Status == ledger.ValidatorActive {
			active[id] = v
		}
	}
	return active
}

// QuorumWeight returns the minimum co-signing weight a record needs at
// time at to satisfy invariant 7: floor(total/2)+1 of the active set's
// total Weight. Apply normalizes a zero Weight to 1 at genesis/
// validator_added time, so in majority mode every active validator
// already carries Weight 1 and this reduces to a head-count majority; in
// weighted mode it sums whatever Weight each validator was configured
// with. Summing the same Weight field both modes use keeps this
// consistent by construction with verifyQuorum/weightOf, which always
// tally real Weight regardless of mode.
func (r *Registry) QuorumWeight(at time.Time) uint64 {
	active := r.ActiveSet(at)
	if len(active) == 0 {
		return 0
	}

	var total uint64
	for _, v := range active {
		total += v.Weight
	}
	return total/2 + 1
}

// VerifyMember reports whether id was an active validator with the given
// public key at time at.
func (r *Registry) VerifyMember(id string, publicKey []byte, at time.Time) bool {
	v, ok := r.ActiveSet(at)[id]
	if !ok {
		return false
	}
	if len(v.PublicKey) != len(publicKey) {
		return false
	}
	for i := range v.PublicKey {
		if v.PublicKey[i] != publicKey[i] {
			return false
		}
	}
	return true
}

// ActiveIDs returns the ids of the active set at at, sorted ascending.
// The rollup engine uses this ordering directly for leader election
// (spec §4.5: "deterministic leader: lowest active validator id").
func (r *Registry) ActiveIDs(at time.Time) []string {
	active := r.ActiveSet(at)
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QuorumModeAt returns the quorum mode fixed by genesis. It does not vary
// over time, but takes "at" for interface symmetry with the rest of the
// resolver surface.
func (r *Registry) QuorumModeAt(time.Time) QuorumMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quorumMode
}
