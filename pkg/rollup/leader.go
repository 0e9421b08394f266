package rollup

import (
	"time"

	"github.com/civica-ledger/hal/pkg/registry"
)

// LeaderAt returns the id of the validator responsible for emitting a
// rollup at boundary on the attempt'th try: attempt 0 is the primary
// leader (lowest active validator id at the boundary, spec §4.5 step 1);
// attempt N>0 rotates to the Nth-lowest id, the failover chain that
// kicks in every T_leader if the current leader never emits.
func LeaderAt(reg *registry.Registry, boundary time.Time, attempt int) (string, bool) {
	ids := reg.ActiveIDs(boundary)
	if len(ids) == 0 {
		return "", false
	}
	return ids[attempt%len(ids)], true
}
