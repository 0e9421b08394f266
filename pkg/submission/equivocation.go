package submission

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// ErrAuthorEquivocation is returned by Propose (wrapped) when an author
// tries to append two different records at the same hash-chain position.
var ErrAuthorEquivocation = errors.New("submission: author equivocation detected")

// BuildEquivocationRecord assembles the unsigned author_equivocation_detected
// record an observing validator emits on detecting a conflict (spec §4.6).
// The caller still has to sign it (AuthorSig) and drive it through Propose
// like any other record, since it is itself subject to quorum.
func BuildEquivocationRecord(detectedBy string, winning, losing *ledger.Record, now time.Time) (*ledger.Record, error) {
	payload := ledger.AuthorEquivocationPayload{
		Author:     winning.Author,
		WinningID:  winning.ID,
		LosingID:   losing.ID,
		DetectedAt: now,
		DetectedBy: detectedBy,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	r := &ledger.Record{
		Kind:      ledger.KindAuthorEquivocationFound,
		Author:    detectedBy,
		Tier:      ledger.TierPage,
		CreatedAt: now,
		Payload:   body,
	}
	return r, nil
}
