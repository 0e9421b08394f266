// Copyright 2025 Civica Ledger Contributors
//
// Package ledgercrypto provides the canonical encoding, content hashing and
// Ed25519 signing primitives the rest of the ledger builds on (spec §4.1).
package ledgercrypto

import "errors"

var (
	// ErrInvalidKey is returned when a key does not parse to the expected size.
	ErrInvalidKey = errors.New("ledgercrypto: invalid key")
	// ErrBadSignature is returned when a signature fails to verify.
	ErrBadSignature = errors.New("ledgercrypto: signature does not verify")
)
