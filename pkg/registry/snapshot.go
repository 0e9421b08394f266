package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// Store checkpoints a Registry's event log to goleveldb so a restarting
// process doesn't replay the full validator history from genesis every
// time, only the ledger tail appended since the last checkpoint.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (creating if absent) the checkpoint database at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open checkpoint db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type checkpointEvent struct {
	At   time.Time        `json:"at"`
	Kind ledger.Kind      `json:"kind"`
	V    ledger.Validator `json:"v"`
}

type checkpointPrincipalEvent struct {
	At        time.Time `json:"at"`
	AccountID string    `json:"account_id"`
	PublicKey []byte    `json:"public_key"`
}

type checkpoint struct {
	QuorumMode      QuorumMode                 `json:"quorum_mode"`
	GenesisAt       time.Time                  `json:"genesis_at"`
	Events          []checkpointEvent          `json:"events"`
	PrincipalEvents []checkpointPrincipalEvent `json:"principal_events"`
	Height          uint64                     `json:"height"`
}

var checkpointKey = []byte("checkpoint")

// Save persists the registry's full event log plus the ledger height it
// reflects, so Load can tell the caller how much of the log still needs
// replaying.
func (s *Store) Save(r *Registry, height uint64) error {
	r.mu.RLock()
	cp := checkpoint{
		QuorumMode: r.quorumMode,
		GenesisAt:  r.genesisAt,
		Height:     height,
	}
	for _, ev := range r.events {
		cp.Events = append(cp.Events, checkpointEvent{At: ev.at, Kind: ev.kind, V: ev.v})
	}
	for _, ev := range r.principalEvents {
		cp.PrincipalEvents = append(cp.PrincipalEvents, checkpointPrincipalEvent{At: ev.at, AccountID: ev.accountID, PublicKey: ev.publicKey})
	}
	r.mu.RUnlock()

	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("registry: marshal checkpoint: %w", err)
	}
	return s.db.Put(checkpointKey, b, nil)
}

// Load restores a Registry from the last checkpoint and returns the
// ledger height it reflects, so the caller can resume replay from there.
// A missing checkpoint returns a fresh Registry and height 0.
func (s *Store) Load() (*Registry, uint64, error) {
	b, err := s.db.Get(checkpointKey, nil)
	if err == leveldb.ErrNotFound {
		return New(), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("registry: read checkpoint: %w", err)
	}

	var cp checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, 0, fmt.Errorf("registry: unmarshal checkpoint: %w", err)
	}

	r := &Registry{quorumMode: cp.QuorumMode, genesisAt: cp.GenesisAt}
	for _, ev := range cp.Events {
		r.events = append(r.events, event{at: ev.At, kind: ev.Kind, v: ev.V})
	}
	for _, ev := range cp.PrincipalEvents {
		r.principalEvents = append(r.principalEvents, principalEvent{at: ev.At, accountID: ev.AccountID, publicKey: ev.PublicKey})
	}
	return r, cp.Height, nil
}
