package rollup

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
	"github.com/civica-ledger/hal/pkg/merkle"
	"github.com/civica-ledger/hal/pkg/metrics"
	"github.com/civica-ledger/hal/pkg/registry"
	"github.com/civica-ledger/hal/pkg/submission"
)

// emptyRoot is the summary_root recorded for a rollup whose covered
// interval contains zero records (e.g. a quiet chapter with no pages).
// There is no legal all-zero leaf, so BuildTree cannot be asked to
// produce a root over nothing; the sentinel is the SHA-256 of the empty
// byte string, the same value every other hash-tree-shaped thing in this
// codebase uses to mean "nothing was covered".
var emptyRoot = sha256.Sum256(nil)

// T_leader default: how long a chosen leader is given to emit a rollup
// before the next validator in the failover rotation takes over.
const DefaultLeaderTimeout = 5 * submission.DefaultPropTimeout

// Config configures the Engine.
type Config struct {
	ValidatorID   string
	LeaderTimeout time.Duration
	ClockSkew     time.Duration
	PropTimeout   time.Duration
	Logger        *log.Logger
}

func (c *Config) setDefaults() {
	if c.LeaderTimeout <= 0 {
		c.LeaderTimeout = DefaultLeaderTimeout
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = 30 * time.Second
	}
	if c.PropTimeout <= 0 {
		c.PropTimeout = submission.DefaultPropTimeout
	}
	if c.Logger == nil {
		c.Logger = log.New(log.Writer(), "[Rollup] ", log.LstdFlags)
	}
}

// Engine drives the periodic summarization of one tier's closed interval
// into a rollup record: the boundary/leader checks of boundaries.go and
// leader.go, gathering the covered records, building their Merkle
// summary_root, and driving the finished record through quorum via
// submission.Service.
type Engine struct {
	store  *ledgerstore.Store
	reg    *registry.Registry
	key    *ledgercrypto.KeyManager
	sub    *submission.Service
	cfg    Config
	logger *log.Logger
}

// NewEngine wires an Engine for one node. key signs the rollup record as
// its author when this node is the elected leader for a boundary.
func NewEngine(store *ledgerstore.Store, reg *registry.Registry, key *ledgercrypto.KeyManager, sub *submission.Service, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{store: store, reg: reg, key: key, sub: sub, cfg: cfg, logger: cfg.Logger}
}

// Tick evaluates every superior tier's preceding boundary at now and
// emits a rollup for each one this node leads and that has not already
// been emitted, skipping any boundary that isn't SafeToEmit yet. It is
// meant to be called on a fixed period (e.g. once a minute) by the
// caller; repeated calls for an already-emitted boundary are no-ops.
func (e *Engine) Tick(now time.Time) {
	for _, tier := range []ledger.Tier{ledger.TierChapter, ledger.TierBook, ledger.TierPart, ledger.TierSeries} {
		if err := e.tryEmit(tier, now); err != nil {
			e.logger.Printf("tier %s: %v", tier, err)
		}
	}
}

func (e *Engine) tryEmit(tier ledger.Tier, now time.Time) error {
	boundary := PrecedingBoundary(tier, now)
	if boundary.End.IsZero() {
		return nil
	}
	if !SafeToEmit(boundary, now, e.cfg.ClockSkew, e.cfg.PropTimeout) {
		return nil
	}

	already, err := e.alreadyEmitted(tier, boundary)
	if err != nil {
		return fmt.Errorf("check existing rollup: %w", err)
	}
	if already {
		return nil
	}

	attempt := int(now.Sub(boundary.End) / e.cfg.LeaderTimeout)
	leader, ok := LeaderAt(e.reg, boundary.End, attempt)
	if !ok || leader != e.cfg.ValidatorID {
		return nil // not our turn
	}

	rec, err := e.build(tier, boundary)
	if err != nil {
		return fmt.Errorf("build rollup: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PropTimeout)
	defer cancel()
	if _, err := e.sub.Propose(ctx, rec); err != nil {
		return fmt.Errorf("propose rollup: %w", err)
	}
	metrics.RollupsEmittedTotal.WithLabelValues(tier.String()).Inc()
	e.logger.Printf("emitted %s rollup for (%s, %s]", tier, boundary.Start, boundary.End)
	return nil
}

// alreadyEmitted reports whether a rollup record of this tier covering
// exactly this boundary has already been appended, by scanning existing
// rollups of the tier whose interval matches.
func (e *Engine) alreadyEmitted(tier ledger.Tier, boundary Interval) (bool, error) {
	existing, err := e.store.ScanTier(tier, boundary.Start, boundary.End.Add(time.Nanosecond))
	if err != nil {
		return false, err
	}
	for _, rec := range existing {
		p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			continue
		}
		rp, ok := p.(*ledger.RollupPayload)
		if ok && rp.Interval.Start.Equal(boundary.Start) && rp.Interval.End.Equal(boundary.End) {
			return true, nil
		}
	}
	return false, nil
}

// build gathers tier's covered records in (boundary.Start, boundary.End],
// computes their summary_root and per-kind tally, and returns the
// author-signed, not yet co-signed rollup record ready for
// submission.Service.Propose.
func (e *Engine) build(tier ledger.Tier, boundary Interval) (*ledger.Record, error) {
	kind, ok := ledger.RollupKindForTier(tier)
	if !ok {
		return nil, fmt.Errorf("rollup: tier %s has no rollup kind", tier)
	}

	covered, err := e.store.ScanTier(CoveredTier(tier), boundary.Start.Add(time.Nanosecond), boundary.End.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("scan covered tier: %w", err)
	}
	sort.Slice(covered, func(i, j int) bool {
		if !covered[i].CreatedAt.Equal(covered[j].CreatedAt) {
			return covered[i].CreatedAt.Before(covered[j].CreatedAt)
		}
		return idLess(covered[i].ID, covered[j].ID)
	})

	root := emptyRoot
	ids := make([]ledger.ID, 0, len(covered))
	counts := map[ledger.Kind]uint64{}
	if len(covered) > 0 {
		leaves := make([][]byte, len(covered))
		for i, rec := range covered {
			leaves[i] = append([]byte(nil), rec.ID[:]...)
			ids = append(ids, rec.ID)
			counts[rec.Kind]++
		}
		tree, err := merkle.BuildTree(leaves)
		if err != nil {
			return nil, fmt.Errorf("build summary tree: %w", err)
		}
		copy(root[:], tree.Root())
	}

	payload := ledger.RollupPayload{
		Interval:         ledger.RollupInterval{Start: boundary.Start, End: boundary.End},
		SummaryRoot:      root,
		CountsByKind:     counts,
		CoveredIDsDigest: digestIDs(ids),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rollup payload: %w", err)
	}

	prev, hasPrev, err := e.store.Tip(e.cfg.ValidatorID)
	if err != nil {
		return nil, fmt.Errorf("read leader tip: %w", err)
	}

	rec := &ledger.Record{
		Kind:      kind,
		Author:    e.cfg.ValidatorID,
		Tier:      tier,
		CreatedAt: boundary.End,
		Payload:   body,
		Covers:    ids,
	}
	if hasPrev {
		rec.Prev = &prev
	}
	rec.ID = ledgercrypto.ComputeID(rec)

	sig, err := e.key.Sign(ledgercrypto.Canon(rec))
	if err != nil {
		return nil, fmt.Errorf("sign rollup: %w", err)
	}
	rec.AuthorSig = sig
	return rec, nil
}

func digestIDs(ids []ledger.ID) [32]byte {
	h := sha256.New()
	for _, id := range ids {
		h.Write(id[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func idLess(a, b ledger.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
