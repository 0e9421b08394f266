package replication

import (
	"encoding/hex"
	"fmt"

	"github.com/civica-ledger/hal/pkg/ledger"
)

func parseID(hexStr string) (ledger.ID, error) {
	var id ledger.ID
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return id, fmt.Errorf("replication: decode id hex: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("replication: id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
