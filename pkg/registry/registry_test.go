package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

func genesisRecord(t *testing.T, at time.Time, mode QuorumMode, founders ...ledger.Validator) *ledger.Record {
	t.Helper()
	payload, err := json.Marshal(ledger.GenesisPayload{
		ChainID:            "test-chain",
		QuorumMode:         string(mode),
		FoundingValidators: founders,
	})
	if err != nil {
		t.Fatalf("marshal genesis payload: %v", err)
	}
	return &ledger.Record{Kind: ledger.KindGenesis, Author: "genesis", CreatedAt: at, Payload: payload}
}

func validatorAddedRecord(t *testing.T, at time.Time, id string, weight uint64) *ledger.Record {
	t.Helper()
	payload, err := json.Marshal(ledger.ValidatorAddedPayload{ValidatorID: id, Weight: weight, Role: "validator"})
	if err != nil {
		t.Fatalf("marshal validator_added payload: %v", err)
	}
	return &ledger.Record{Kind: ledger.KindValidatorAdded, Author: "genesis", CreatedAt: at, Payload: payload}
}

func TestActiveSetAfterGenesis(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New()
	if err := r.Apply(genesisRecord(t, base, QuorumMajority,
		ledger.Validator{ID: "v1", Weight: 1},
		ledger.Validator{ID: "v2", Weight: 1},
	)); err != nil {
		t.Fatalf("Apply genesis: %v", err)
	}

	active := r.ActiveSet(base)
	if len(active) != 2 {
		t.Fatalf("ActiveSet = %d validators, want 2", len(active))
	}
	if active["v1"].Status != ledger.ValidatorActive {
		t.Errorf("v1 status = %q, want active", active["v1"].Status)
	}
}

func TestQuorumWeightMajorityMode(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New()
	if err := r.Apply(genesisRecord(t, base, QuorumMajority,
		ledger.Validator{ID: "v1"}, ledger.Validator{ID: "v2"}, ledger.Validator{ID: "v3"},
	)); err != nil {
		t.Fatalf("Apply genesis: %v", err)
	}
	if got := r.QuorumWeight(base); got != 2 {
		t.Errorf("QuorumWeight with 3 active validators = %d, want 2", got)
	}
}

func TestQuorumWeightWeightedMode(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New()
	if err := r.Apply(genesisRecord(t, base, QuorumWeighted,
		ledger.Validator{ID: "v1", Weight: 3}, ledger.Validator{ID: "v2", Weight: 1},
	)); err != nil {
		t.Fatalf("Apply genesis: %v", err)
	}
	if got := r.QuorumWeight(base); got != 3 {
		t.Errorf("QuorumWeight weighted total 4 = %d, want 3", got)
	}
}

func TestValidatorPausedAndRevokedRemoveFromActiveSet(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New()
	if err := r.Apply(genesisRecord(t, base, QuorumMajority, ledger.Validator{ID: "v1"})); err != nil {
		t.Fatalf("Apply genesis: %v", err)
	}
	if err := r.Apply(validatorAddedRecord(t, base.Add(time.Minute), "v2", 1)); err != nil {
		t.Fatalf("Apply validator_added: %v", err)
	}

	pausedAt := base.Add(2 * time.Minute)
	pausedPayload, _ := json.Marshal(ledger.ValidatorPausedPayload{ValidatorID: "v2"})
	if err := r.Apply(&ledger.Record{Kind: ledger.KindValidatorPaused, Author: "v1", CreatedAt: pausedAt, Payload: pausedPayload}); err != nil {
		t.Fatalf("Apply validator_paused: %v", err)
	}

	if _, ok := r.ActiveSet(pausedAt)["v2"]; ok {
		t.Error("v2 still active after being paused")
	}
	if _, ok := r.ActiveSet(base.Add(90 * time.Second))["v2"]; !ok {
		t.Error("ActiveSet queried before the pause should still show v2 active")
	}
}

func TestPublicKeyOfPrefersValidatorThenPrincipal(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New()
	validatorKey := []byte("validator-key")
	if err := r.Apply(genesisRecord(t, base, QuorumMajority, ledger.Validator{ID: "v1", PublicKey: validatorKey})); err != nil {
		t.Fatalf("Apply genesis: %v", err)
	}

	if key, ok := r.PublicKeyOf("v1", base); !ok || string(key) != "validator-key" {
		t.Errorf("PublicKeyOf(v1) = %q, %v, want validator-key, true", key, ok)
	}

	registeredPayload, _ := json.Marshal(ledger.UserRegisteredPayload{Name: "alice", PublicKey: []byte("alice-key-1")})
	if err := r.Apply(&ledger.Record{Kind: ledger.KindUserRegistered, Author: "alice", CreatedAt: base.Add(time.Minute), Payload: registeredPayload}); err != nil {
		t.Fatalf("Apply user_registered: %v", err)
	}
	if key, ok := r.PublicKeyOf("alice", base.Add(time.Minute)); !ok || string(key) != "alice-key-1" {
		t.Errorf("PublicKeyOf(alice) = %q, %v, want alice-key-1, true", key, ok)
	}

	rotatedPayload, _ := json.Marshal(ledger.KeyRotatedPayload{NewPublicKey: []byte("alice-key-2")})
	if err := r.Apply(&ledger.Record{Kind: ledger.KindKeyRotated, Author: "alice", CreatedAt: base.Add(2 * time.Minute), Payload: rotatedPayload}); err != nil {
		t.Fatalf("Apply key_rotated: %v", err)
	}

	if key, _ := r.PublicKeyOf("alice", base.Add(time.Minute)); string(key) != "alice-key-1" {
		t.Errorf("PublicKeyOf(alice) before rotation = %q, want alice-key-1", key)
	}
	if key, _ := r.PublicKeyOf("alice", base.Add(2*time.Minute)); string(key) != "alice-key-2" {
		t.Errorf("PublicKeyOf(alice) after rotation = %q, want alice-key-2", key)
	}
}

func TestActiveIDsSortedAscending(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New()
	if err := r.Apply(genesisRecord(t, base, QuorumMajority,
		ledger.Validator{ID: "zebra"}, ledger.Validator{ID: "alpha"}, ledger.Validator{ID: "mid"},
	)); err != nil {
		t.Fatalf("Apply genesis: %v", err)
	}

	ids := r.ActiveIDs(base)
	want := []string{"alpha", "mid", "zebra"}
	if len(ids) != len(want) {
		t.Fatalf("ActiveIDs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ActiveIDs[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
