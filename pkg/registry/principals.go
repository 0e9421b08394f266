package registry

import (
	"fmt"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// principalEvent is one non-validator signing-key mutation: a principal's
// initial self-attested registration, or a subsequent key rotation.
type principalEvent struct {
	at        time.Time
	accountID string
	publicKey []byte
}

// applyUserRegistered folds a user_registered record into the principal
// event log. The new principal's public key comes from its own payload
// (self-attested registration), not from a prior-known key, since by
// definition no prior key exists yet.
func (r *Registry) applyUserRegistered(rec *ledger.Record) error {
	p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
	if err != nil {
		return fmt.Errorf("registry: decode user_registered payload: %w", err)
	}
	up := p.(*ledger.UserRegisteredPayload)

	r.mu.Lock()
	r.principalEvents = append(r.principalEvents, principalEvent{
		at: rec.CreatedAt, accountID: rec.Author, publicKey: up.PublicKey,
	})
	r.mu.Unlock()
	return nil
}

// applyKeyRotated folds a key_rotated record into the principal event
// log, replacing that author's signing key from this point forward.
func (r *Registry) applyKeyRotated(rec *ledger.Record) error {
	p, err := ledger.DecodePayload(rec.Kind, rec.Payload)
	if err != nil {
		return fmt.Errorf("registry: decode key_rotated payload: %w", err)
	}
	kp := p.(*ledger.KeyRotatedPayload)

	r.mu.Lock()
	r.principalEvents = append(r.principalEvents, principalEvent{
		at: rec.CreatedAt, accountID: rec.Author, publicKey: kp.NewPublicKey,
	})
	r.mu.Unlock()
	return nil
}

// PublicKeyOf resolves the signing key accountID used at time at. It
// checks the active validator set first (validators sign plenty of
// non-quorum records too, e.g. rollups they lead) and falls back to the
// principal event log, implementing the PrincipalResolver interface
// pkg/ledgerstore depends on.
func (r *Registry) PublicKeyOf(accountID string, at time.Time) ([]byte, bool) {
	if v, ok := r.ActiveSet(at)[accountID]; ok {
		return v.PublicKey, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var key []byte
	found := false
	for _, ev := range r.principalEvents {
		if ev.at.After(at) {
			break
		}
		if ev.accountID == accountID {
			key = ev.publicKey
			found = true
		}
	}
	return key, found
}
