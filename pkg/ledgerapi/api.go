// Copyright 2025 Civica Ledger Contributors
//
// Package ledgerapi is the narrow facade (C7) every higher-level
// subsystem — identity, elections, debates, moderation, the token
// ledger — uses to append, query, and subscribe to the audit ledger.
// Every mutating call serialises through pkg/submission; every read
// composes pkg/ledgerstore, pkg/registry, and pkg/merkle.
package ledgerapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
	"github.com/civica-ledger/hal/pkg/merkle"
	"github.com/civica-ledger/hal/pkg/registry"
	"github.com/civica-ledger/hal/pkg/submission"
)

// API is the facade spec §4.7 describes: append/get/query/subscribe/
// tip_of/rollup_at/prove/verify.
type API struct {
	store *ledgerstore.Store
	reg   *registry.Registry
	sub   *submission.Service
	key   *ledgercrypto.KeyManager

	subsMu sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// New wires an API over an already-open store/registry/submission stack.
func New(store *ledgerstore.Store, reg *registry.Registry, sub *submission.Service, key *ledgercrypto.KeyManager) *API {
	return &API{store: store, reg: reg, sub: sub, key: key, subs: make(map[int]*subscriber)}
}

// Filter narrows a query or subscription by kind, author, tier, and/or
// time range. A zero field means "no restriction" on that dimension.
type Filter struct {
	Kind   ledger.Kind
	Author string
	Tier   *ledger.Tier
	Since  time.Time
	Until  time.Time
}

// Append builds, signs, and drives a new record of kind through the
// submission protocol, chaining it onto author's current tip. It blocks
// until the record has gathered quorum and been durably appended, or
// ctx's deadline/the configured proposal timeout expires.
func (a *API) Append(ctx context.Context, kind ledger.Kind, tier ledger.Tier, author string, payload []byte) (ledger.ID, error) {
	if err := ledger.ValidatePayload(kind, payload); err != nil {
		return ledger.ID{}, err
	}

	prev, hasPrev, err := a.store.Tip(author)
	if err != nil {
		return ledger.ID{}, fmt.Errorf("ledgerapi: read tip: %w", err)
	}

	rec := &ledger.Record{
		Kind:      kind,
		Author:    author,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	if hasPrev {
		rec.Prev = &prev
	}
	rec.ID = ledgercrypto.ComputeID(rec)

	if a.key != nil {
		sig, err := a.key.Sign(ledgercrypto.Canon(rec))
		if err != nil {
			return ledger.ID{}, fmt.Errorf("ledgerapi: sign record: %w", err)
		}
		rec.AuthorSig = sig
	}

	id, err := a.sub.Propose(ctx, rec)
	if err != nil {
		return ledger.ID{}, err
	}

	a.publish(rec)
	return id, nil
}

// Get fetches a single record by id.
func (a *API) Get(id ledger.ID) (*ledger.Record, error) {
	return a.store.Get(id)
}

// Query returns every durable record matching f, in created_at order.
// It reads the index of the first of f.Kind, f.Author, f.Tier that is set,
// in that order, and ignores the other two; it returns an error when none
// of them is set.
func (a *API) Query(f Filter) ([]*ledger.Record, error) {
	switch {
	case f.Kind != "":
		return a.store.ScanKind(f.Kind, f.Since, f.Until)
	case f.Author != "":
		return a.store.ScanAuthor(f.Author, f.Since, f.Until)
	case f.Tier != nil:
		return a.store.ScanTier(*f.Tier, f.Since, f.Until)
	default:
		return nil, fmt.Errorf("ledgerapi: query filter must set Kind, Author, or Tier")
	}
}

// TipOf returns the id of the latest record authored by author.
func (a *API) TipOf(author string) (ledger.ID, bool, error) {
	return a.store.Tip(author)
}

// RollupAt returns the rollup record of tier covering interval, if one
// has been emitted yet.
func (a *API) RollupAt(tier ledger.Tier, since, until time.Time) (*ledger.Record, bool, error) {
	recs, err := a.store.ScanTier(tier, since, until.Add(time.Nanosecond))
	if err != nil {
		return nil, false, err
	}
	for _, rec := range recs {
		p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			continue
		}
		rp, ok := p.(*ledger.RollupPayload)
		if ok && rp.Interval.Start.Equal(since) && rp.Interval.End.Equal(until) {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// ProofHop is one rollup tier's worth of an InclusionProof: it proves
// Covering's Covers list includes the previous hop's leaf id (or, for the
// first hop, the id being proved), with a root equal to Covering's own
// RollupPayload.SummaryRoot. Covering's own content-addressed id is the
// leaf the next hop up proves, which is what lets a chain of these climb
// from a page all the way to the latest series.
type ProofHop struct {
	Covering *ledger.Record         `json:"covering"`
	Proof    *merkle.InclusionProof `json:"proof"`
}

// InclusionProof is the Merkle path spec §4.7 describes: a walk from a
// page up through every rollup tier that has summarized it so far
// (chapter, book, part, series), stopping at whichever tier is the most
// superior one currently emitted.
type InclusionProof struct {
	Hops []ProofHop `json:"hops"`
}

// Prove builds a chained Merkle inclusion proof for id: one ProofHop per
// rollup tier between id and the latest series rollup that covers it
// (chapter -> book -> part -> series), each hop's covering record's own
// id feeding the next hop as the leaf it proves. A page not yet covered
// by even the first tier returns an error; a page covered only partway
// up the hierarchy (series not rolled up yet) returns however many hops
// exist so far.
func (a *API) Prove(id ledger.ID) (*InclusionProof, error) {
	var hops []ProofHop
	leaf := id
	for {
		coverers, err := a.store.CoveredBy(leaf)
		if err != nil {
			return nil, fmt.Errorf("ledgerapi: find covering rollup: %w", err)
		}
		if len(coverers) == 0 {
			break
		}
		covering := coverers[0]

		leaves := make([][]byte, len(covering.Covers))
		leafIndex := -1
		for i, coveredID := range covering.Covers {
			leaves[i] = append([]byte(nil), coveredID[:]...)
			if coveredID == leaf {
				leafIndex = i
			}
		}
		if leafIndex < 0 {
			return nil, fmt.Errorf("ledgerapi: %x missing from its covering rollup's leaf set", leaf[:8])
		}

		tree, err := merkle.BuildTree(leaves)
		if err != nil {
			return nil, fmt.Errorf("ledgerapi: rebuild summary tree: %w", err)
		}
		proof, err := tree.GenerateProof(leafIndex)
		if err != nil {
			return nil, fmt.Errorf("ledgerapi: generate proof: %w", err)
		}

		hops = append(hops, ProofHop{Covering: covering, Proof: proof})
		leaf = covering.ID
	}

	if len(hops) == 0 {
		return nil, fmt.Errorf("ledgerapi: %x is not yet covered by any rollup", id[:8])
	}
	return &InclusionProof{Hops: hops}, nil
}

// Verify checks a chained inclusion proof end to end: every hop's
// covering record canonicalizes to its claimed id, every hop's Merkle
// path folds id up to that hop's summary_root, each hop's covering id
// feeds the next hop's leaf, and the topmost covering record is still
// durable in the store — so a proof built from records that have since
// been superseded or never existed does not verify.
func (a *API) Verify(id ledger.ID, proof *InclusionProof) (bool, error) {
	if proof == nil || len(proof.Hops) == 0 {
		return false, fmt.Errorf("ledgerapi: empty proof")
	}

	leaf := id
	for _, hop := range proof.Hops {
		if hop.Covering == nil || hop.Proof == nil {
			return false, fmt.Errorf("ledgerapi: incomplete proof hop")
		}
		if ledgercrypto.ComputeID(hop.Covering) != hop.Covering.ID {
			return false, nil
		}

		p, err := ledger.DecodePayload(hop.Covering.Kind, hop.Covering.Payload)
		if err != nil {
			return false, fmt.Errorf("ledgerapi: decode covering payload: %w", err)
		}
		rp, ok := p.(*ledger.RollupPayload)
		if !ok {
			return false, fmt.Errorf("ledgerapi: covering record is not a rollup payload")
		}

		ok, err = merkle.VerifyProof(leaf[:], hop.Proof, rp.SummaryRoot[:])
		if err != nil {
			return false, fmt.Errorf("ledgerapi: verify hop: %w", err)
		}
		if !ok {
			return false, nil
		}

		leaf = hop.Covering.ID
	}

	top := proof.Hops[len(proof.Hops)-1].Covering
	stored, err := a.store.Get(top.ID)
	if err != nil {
		return false, nil
	}
	return stored.ID == top.ID, nil
}
