package ledgercrypto

import (
	"crypto/sha256"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// ComputeID derives a record's content-addressed id from its
// signature-free canonical bytes (spec §3 invariant 2, §8 property
// "r.id == hash(canon(r_without_sigs))").
func ComputeID(r *ledger.Record) ledger.ID {
	return ledger.ID(Hash(Canon(r)))
}

func nanosToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
