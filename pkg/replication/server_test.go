package replication

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
	"github.com/civica-ledger/hal/pkg/registry"
	"github.com/civica-ledger/hal/pkg/submission"
)

func newTestServer(t *testing.T) (*Server, *ledgerstore.Store, *submission.Service, *ledgercrypto.KeyManager) {
	t.Helper()

	km := ledgercrypto.NewKeyManager("")
	if err := km.LoadOrGenerate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	reg := registry.New()
	genesisAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	genesisPayload, err := json.Marshal(ledger.GenesisPayload{
		ChainID: "test-chain", QuorumMode: "majority",
		FoundingValidators: []ledger.Validator{{ID: "v1", PublicKey: km.PublicKey(), Weight: 1}},
	})
	if err != nil {
		t.Fatalf("marshal genesis: %v", err)
	}
	genesisRec := &ledger.Record{Kind: ledger.KindGenesis, Author: "genesis", CreatedAt: genesisAt, Payload: genesisPayload}
	if err := reg.Apply(genesisRec); err != nil {
		t.Fatalf("Apply genesis: %v", err)
	}

	store, err := ledgerstore.Open(t.TempDir(), ledgerstore.WithPrincipalResolver(reg), ledgerstore.WithValidatorResolver(reg))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	genesisRec.ID = ledgercrypto.ComputeID(genesisRec)
	if _, err := store.Append(genesisRec); err != nil {
		t.Fatalf("append genesis: %v", err)
	}

	sub := submission.New(store, reg, submission.Config{ValidatorID: "v1", KeyManager: km})
	peers := NewPeerRegistry(nil, 0)
	srv := NewServer(store, sub, peers, reg)
	t.Cleanup(srv.Close)

	return srv, store, sub, km
}

// signRequest attaches the X-Validator-ID/X-Validator-Signature headers
// authenticateValidator requires, the same way submission.Service's
// requestCoSign signs an outbound peer RPC.
func signRequest(t *testing.T, req *http.Request, validatorID string, km *ledgercrypto.KeyManager, body []byte) {
	t.Helper()
	sig, err := km.Sign(body)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	req.Header.Set("X-Validator-ID", validatorID)
	req.Header.Set("X-Validator-Signature", hex.EncodeToString(sig))
}

func TestHandleHeadReportsStoreHeight(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/replication/head", nil)
	rec := httptest.NewRecorder()
	srv.handleHead(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HeadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Height != 1 {
		t.Errorf("Height = %d, want 1 (genesis only)", resp.Height)
	}
}

func TestHandleGetByIDReturnsStoredRecord(t *testing.T) {
	srv, store, _, _ := newTestServer(t)

	height, err := store.Height()
	if err != nil || height != 1 {
		t.Fatalf("expected height 1, got %d (err %v)", height, err)
	}
	tip, ok, err := store.Tip("genesis")
	if err != nil || !ok {
		t.Fatalf("Tip(genesis): ok=%v err=%v", ok, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/replication/by-id?id="+hex.EncodeToString(tip[:]), nil)
	rec := httptest.NewRecorder()
	srv.handleGetByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var resp GetByIDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Record.ID != tip {
		t.Errorf("returned record id mismatch")
	}
}

func TestHandleGetByIDRejectsMalformedID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/replication/by-id?id=not-hex", nil)
	rec := httptest.NewRecorder()
	srv.handleGetByID(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSubmitProposalAppendsRecord(t *testing.T) {
	srv, store, _, km := newTestServer(t)

	payload, _ := json.Marshal(ledger.VoteCastPayload{BallotID: "b1", Choice: "yes"})
	rec := &ledger.Record{Kind: ledger.KindVoteCast, Author: "v1", Tier: ledger.TierPage, CreatedAt: time.Now().UTC(), Payload: payload}
	rec.ID = ledgercrypto.ComputeID(rec)
	sig, err := km.Sign(ledgercrypto.Canon(rec))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec.AuthorSig = sig

	body, err := json.Marshal(SubmitProposalRequest{Record: rec})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/replication/submit", bytes.NewReader(body))
	signRequest(t, req, "v1", km, body)
	w := httptest.NewRecorder()
	srv.handleSubmitProposal(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	if _, err := store.Get(rec.ID); err != nil {
		t.Errorf("record not found in store after submit: %v", err)
	}
}

func TestHandleSubmitProposalRejectsUnauthenticated(t *testing.T) {
	srv, _, _, km := newTestServer(t)

	payload, _ := json.Marshal(ledger.VoteCastPayload{BallotID: "b1", Choice: "yes"})
	rec := &ledger.Record{Kind: ledger.KindVoteCast, Author: "v1", Tier: ledger.TierPage, CreatedAt: time.Now().UTC(), Payload: payload}
	rec.ID = ledgercrypto.ComputeID(rec)
	sig, err := km.Sign(ledgercrypto.Canon(rec))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec.AuthorSig = sig

	body, _ := json.Marshal(SubmitProposalRequest{Record: rec})

	unsigned := httptest.NewRequest(http.MethodPost, "/v1/replication/submit", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleSubmitProposal(w, unsigned)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without auth headers = %d, want 401", w.Code)
	}

	_, impostorPriv, err := ledgercrypto.KeyGen()
	if err != nil {
		t.Fatalf("generate impostor key: %v", err)
	}
	impostorSig, err := ledgercrypto.Sign(impostorPriv, body)
	if err != nil {
		t.Fatalf("sign with impostor key: %v", err)
	}
	impersonating := httptest.NewRequest(http.MethodPost, "/v1/replication/submit", bytes.NewReader(body))
	impersonating.Header.Set("X-Validator-ID", "v1")
	impersonating.Header.Set("X-Validator-Signature", hex.EncodeToString(impostorSig))
	w2 := httptest.NewRecorder()
	srv.handleSubmitProposal(w2, impersonating)
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("status with a signature from an unrecognized key = %d, want 401", w2.Code)
	}
}

func TestHandleSubmitProposalRejectsBackpressure(t *testing.T) {
	srv, _, _, km := newTestServer(t)

	// Stop the worker pool first so the inbox actually stays full once
	// filled, instead of racing the workers draining it.
	srv.Close()

	for i := 0; i < inboxCapacity; i++ {
		if err := srv.inbox.Enqueue(&proposalJob{}); err != nil {
			t.Fatalf("failed to fill inbox at %d: %v", i, err)
		}
	}

	body, _ := json.Marshal(SubmitProposalRequest{Record: &ledger.Record{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/replication/submit", bytes.NewReader(body))
	signRequest(t, req, "v1", km, body)
	w := httptest.NewRecorder()
	srv.handleSubmitProposal(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 once the inbox is full", w.Code)
	}
}
