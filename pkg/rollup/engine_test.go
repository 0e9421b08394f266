package rollup

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
	"github.com/civica-ledger/hal/pkg/registry"
	"github.com/civica-ledger/hal/pkg/submission"
)

// fixture wires a single-validator store+registry+submission stack, the
// minimum needed to drive Engine.Tick end to end without peers.
type fixture struct {
	store *ledgerstore.Store
	reg   *registry.Registry
	key   *ledgercrypto.KeyManager
	sub   *submission.Service
}

func newFixture(t *testing.T, genesisAt time.Time) *fixture {
	t.Helper()

	key := ledgercrypto.NewKeyManager("")
	if err := key.LoadOrGenerate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	reg := registry.New()
	genesisPayload := ledger.GenesisPayload{
		QuorumMode:         "majority",
		ChainID:            "test",
		FoundingValidators: []ledger.Validator{{ID: "v1", PublicKey: key.PublicKey(), Weight: 1}},
	}
	body, err := json.Marshal(genesisPayload)
	if err != nil {
		t.Fatalf("marshal genesis: %v", err)
	}
	genesisRec := &ledger.Record{Kind: ledger.KindGenesis, Author: "genesis", Tier: ledger.TierGenesis, CreatedAt: genesisAt, Payload: body}
	genesisRec.ID = ledgercrypto.ComputeID(genesisRec)
	if err := reg.Apply(genesisRec); err != nil {
		t.Fatalf("apply genesis to registry: %v", err)
	}

	store, err := ledgerstore.Open(t.TempDir(),
		ledgerstore.WithPrincipalResolver(reg),
		ledgerstore.WithValidatorResolver(reg))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := store.Append(genesisRec); err != nil {
		t.Fatalf("append genesis: %v", err)
	}

	sub := submission.New(store, reg, submission.Config{
		ValidatorID: "v1",
		KeyManager:  key,
		Logger:      log.New(log.Writer(), "[test] ", 0),
	})

	return &fixture{store: store, reg: reg, key: key, sub: sub}
}

// appendPage appends a single page record authored by v1 at createdAt,
// self-quorum-signed (v1 is the only validator, so it alone meets
// majority threshold of 1).
func (f *fixture) appendPage(t *testing.T, createdAt time.Time) ledger.ID {
	t.Helper()

	prev, hasPrev, err := f.store.Tip("v1")
	if err != nil {
		t.Fatalf("read tip: %v", err)
	}

	payload, err := json.Marshal(ledger.VoteCastPayload{})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	rec := &ledger.Record{
		Kind:      ledger.KindVoteCast,
		Author:    "v1",
		Tier:      ledger.TierPage,
		CreatedAt: createdAt,
		Payload:   payload,
	}
	if hasPrev {
		rec.Prev = &prev
	}
	rec.ID = ledgercrypto.ComputeID(rec)

	sig, err := f.key.Sign(ledgercrypto.Canon(rec))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec.AuthorSig = sig

	id, err := f.sub.Propose(context.Background(), rec)
	if err != nil {
		t.Fatalf("propose page: %v", err)
	}
	return id
}

func TestEngine_EmitsChapterRollupForCoveredPages(t *testing.T) {
	genesisAt := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, genesisAt)

	chapterStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	f.appendPage(t, chapterStart.Add(1*time.Hour))
	f.appendPage(t, chapterStart.Add(2*time.Hour))

	engine := NewEngine(f.store, f.reg, f.key, f.sub, Config{ValidatorID: "v1"})

	// now is well past the chapter boundary's safety deadline (midnight
	// of the 15th, plus clock skew and propagation timeout).
	now := time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)
	engine.Tick(now)

	rollups, err := f.store.ScanKind(ledger.KindRollupChapter, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("scan rollup_chapter: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("expected 1 chapter rollup, got %d", len(rollups))
	}

	p, err := ledger.DecodePayload(rollups[0].Kind, rollups[0].Payload)
	if err != nil {
		t.Fatalf("decode rollup payload: %v", err)
	}
	rp := p.(*ledger.RollupPayload)
	if rp.CountsByKind[ledger.KindVoteCast] != 2 {
		t.Errorf("CountsByKind[vote_cast] = %d, want 2", rp.CountsByKind[ledger.KindVoteCast])
	}
	if rp.SummaryRoot == emptyRoot {
		t.Error("SummaryRoot is the empty-chapter sentinel, want a real root over 2 covered pages")
	}

	if len(rollups[0].Covers) != 2 {
		t.Errorf("Covers has %d entries, want 2", len(rollups[0].Covers))
	}
}

func TestEngine_EmptyChapterGetsSentinelRoot(t *testing.T) {
	genesisAt := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, genesisAt)

	engine := NewEngine(f.store, f.reg, f.key, f.sub, Config{ValidatorID: "v1"})
	now := time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)
	engine.Tick(now)

	rollups, err := f.store.ScanKind(ledger.KindRollupChapter, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("scan rollup_chapter: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("expected 1 chapter rollup, got %d", len(rollups))
	}

	p, err := ledger.DecodePayload(rollups[0].Kind, rollups[0].Payload)
	if err != nil {
		t.Fatalf("decode rollup payload: %v", err)
	}
	rp := p.(*ledger.RollupPayload)
	if rp.SummaryRoot != emptyRoot {
		t.Errorf("SummaryRoot = %x, want empty-chapter sentinel %x", rp.SummaryRoot, emptyRoot)
	}
}

func TestEngine_TickIsIdempotent(t *testing.T) {
	genesisAt := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, genesisAt)
	f.appendPage(t, genesisAt.Add(time.Hour))

	engine := NewEngine(f.store, f.reg, f.key, f.sub, Config{ValidatorID: "v1"})
	now := time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)

	engine.Tick(now)
	engine.Tick(now)
	engine.Tick(now)

	rollups, err := f.store.ScanKind(ledger.KindRollupChapter, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("scan rollup_chapter: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("repeated Tick calls produced %d chapter rollups, want 1", len(rollups))
	}
}

func TestEngine_SkipsUnsafeBoundary(t *testing.T) {
	genesisAt := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, genesisAt)

	engine := NewEngine(f.store, f.reg, f.key, f.sub, Config{ValidatorID: "v1"})
	// now is only just past midnight: SafeToEmit should still be false.
	now := time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	engine.Tick(now)

	rollups, err := f.store.ScanKind(ledger.KindRollupChapter, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("scan rollup_chapter: %v", err)
	}
	if len(rollups) != 0 {
		t.Fatalf("expected no rollup before safety deadline, got %d", len(rollups))
	}
}
