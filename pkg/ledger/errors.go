package ledger

import "errors"

// Append-path errors, surfaced to the producer exactly as received; none of
// these are ever swallowed (spec §7 propagation policy).
var (
	ErrDuplicateID       = errors.New("ledger: duplicate record id")
	ErrBadCanonicalBytes = errors.New("ledger: record does not canonicalize to its id")
	ErrBadAuthorSig      = errors.New("ledger: author signature does not verify")
	ErrInsufficientQuorum = errors.New("ledger: quorum_sigs do not meet the quorum rule")
	ErrSchemaMismatch    = errors.New("ledger: payload does not conform to kind's schema")
	ErrStoreFull         = errors.New("ledger: store has reached its configured size limit")
	ErrIO                = errors.New("ledger: io error")
	ErrOutOfOrder        = errors.New("ledger: record prev does not match author's current tip")
	ErrClockSkew         = errors.New("ledger: created_at is too far in the future")
	ErrNotFound          = errors.New("ledger: record not found")
)
