package ledgerstore

import (
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// PrincipalResolver resolves the signing key a non-validator author used at
// a given point in time. The store depends only on this interface so it
// never has to import the registry package directly; pkg/registry
// implements it.
type PrincipalResolver interface {
	PublicKeyOf(accountID string, at time.Time) (publicKey []byte, ok bool)
}

// ValidatorResolver resolves the active validator set and quorum rule used
// to check a record's quorum_sigs (invariant 7).
type ValidatorResolver interface {
	ActiveSet(at time.Time) map[string]ledger.Validator
	QuorumWeight(at time.Time) uint64
}

// noopResolvers let the store operate (e.g. during index rebuild, or in
// tests of the frame format alone) without a registry wired in; every
// lookup reports "unknown", so Append rejects the author signature of any
// record other than genesis and user_registered (which carries its own
// key), and the zero quorum threshold skips the quorum check.
type noopPrincipalResolver struct{}

func (noopPrincipalResolver) PublicKeyOf(string, time.Time) ([]byte, bool) { return nil, false }

type noopValidatorResolver struct{}

func (noopValidatorResolver) ActiveSet(time.Time) map[string]ledger.Validator { return nil }
func (noopValidatorResolver) QuorumWeight(time.Time) uint64                   { return 0 }
