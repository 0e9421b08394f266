// Copyright 2025 Civica Ledger Contributors
package ledgerstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/metrics"
)

// postgresMirror is the subset of pgindex.Mirror's surface Store needs,
// kept as an interface so ledgerstore never imports database/sql or
// lib/pq directly: the mirror is an optional, swappable sink.
type postgresMirror interface {
	Index(ctx context.Context, rec *ledger.Record) error
}

// MaxClockSkew is how far into the future a record's created_at may sit
// before Append rejects it (spec §4.2 edge case: "created_at too far in the
// future").
const MaxClockSkew = 30 * time.Second

// Store is the durable record store (C2): a single append-only log file
// plus the goleveldb secondary indices in index.go. One Store owns one
// ledger directory; Append is serialized by mu the way the teacher's
// pkg/ledger/store.go serializes writes to its underlying KV batch.
type Store struct {
	mu  sync.Mutex
	dir string

	logFile *os.File
	idx     *index

	principals PrincipalResolver
	validators ValidatorResolver

	pgMirror postgresMirror
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithPrincipalResolver wires the principal-key lookup used to verify
// author_sig on non-validator, non-genesis records.
func WithPrincipalResolver(r PrincipalResolver) Option {
	return func(s *Store) { s.principals = r }
}

// WithValidatorResolver wires the active validator set and quorum rule
// used to verify quorum_sigs.
func WithValidatorResolver(r ValidatorResolver) Option {
	return func(s *Store) { s.validators = r }
}

// WithPostgresMirror wires an optional secondary index: every successful
// Append also upserts into m, best-effort. The log file remains the sole
// source of truth, so a mirror failure is logged and never returned to
// the caller.
func WithPostgresMirror(m postgresMirror) Option {
	return func(s *Store) { s.pgMirror = m }
}

// Open opens (creating if absent) the log file and index at dir, running
// crash recovery if the log's tail frame is truncated or corrupt.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ledgerstore: create ledger dir: %w", err)
	}

	logPath := filepath.Join(dir, "ledger.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: open log file: %w", err)
	}

	idx, err := openIndex(filepath.Join(dir, "ledger.idx"))
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{
		dir:        dir,
		logFile:    f,
		idx:        idx,
		principals: noopPrincipalResolver{},
		validators: noopValidatorResolver{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.recover(); err != nil {
		f.Close()
		idx.Close()
		return nil, err
	}

	return s, nil
}

// Close flushes and closes the log file and index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idxErr := s.idx.Close()
	logErr := s.logFile.Close()
	if logErr != nil {
		return logErr
	}
	return idxErr
}

// Append validates r against the invariants the store is responsible for
// (spec §4.2: content addressing, duplicate detection, schema
// conformance, signature and quorum verification, per-author ordering,
// clock skew, oversize payload) and, if they all hold, durably appends it
// and returns its id.
//
// Append is idempotent: re-appending a record whose id already exists
// returns that id with a nil error rather than ErrDuplicateID, so retried
// submissions and catch-up replication are safe to call blindly.
func (s *Store) Append(r *ledger.Record) (ledger.ID, error) {
	if err := s.validate(r); err != nil {
		return ledger.ID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.idx.location(r.ID); err != nil {
		return ledger.ID{}, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	} else if ok {
		return r.ID, nil
	}

	if err := s.checkOrder(r); err != nil {
		return ledger.ID{}, err
	}

	encoded := ledgercrypto.CanonWithSigs(r)

	off, err := s.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return ledger.ID{}, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}

	n, err := writeFrame(s.logFile, encoded)
	if err != nil {
		return ledger.ID{}, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}
	if err := s.logFile.Sync(); err != nil {
		return ledger.ID{}, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}

	if err := s.idx.put(r, location{offset: off, length: uint32(n)}); err != nil {
		return ledger.ID{}, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}

	if height, err := s.idx.height(); err == nil {
		metrics.LedgerHeight.WithLabelValues(r.Author).Set(float64(height))
	}

	if s.pgMirror != nil {
		if err := s.pgMirror.Index(context.Background(), r); err != nil {
			log.Printf("ledgerstore: postgres mirror index failed for %x: %v", r.ID[:8], err)
		}
	}

	return r.ID, nil
}

// validate performs the cheap, storage-local invariant checks (1-4, 9)
// plus signature/quorum verification (7, 8); it takes no lock because it
// touches no mutable store state beyond the read-only resolvers.
func (s *Store) validate(r *ledger.Record) error {
	if got, want := ledgercrypto.ComputeID(r), r.ID; got != want {
		return ledger.ErrBadCanonicalBytes
	}

	if len(r.Payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ledger.ErrSchemaMismatch, MaxPayloadBytes)
	}

	if err := ledger.ValidatePayload(r.Kind, r.Payload); err != nil {
		return err
	}

	if r.Kind != ledger.KindGenesis {
		if r.CreatedAt.After(time.Now().Add(MaxClockSkew)) {
			return ledger.ErrClockSkew
		}
		if err := s.verifyAuthorSig(r); err != nil {
			return err
		}
		if err := s.verifyQuorum(r); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) verifyAuthorSig(r *ledger.Record) error {
	var pub []byte

	switch r.Kind {
	case ledger.KindUserRegistered:
		p, err := ledger.DecodePayload(r.Kind, r.Payload)
		if err != nil {
			return err
		}
		pub = p.(*ledger.UserRegisteredPayload).PublicKey
	default:
		key, ok := s.principals.PublicKeyOf(r.Author, r.CreatedAt)
		if !ok {
			return ledger.ErrBadAuthorSig
		}
		pub = key
	}

	if !ledgercrypto.Verify(pub, ledgercrypto.Canon(r), r.AuthorSig) {
		return ledger.ErrBadAuthorSig
	}
	return nil
}

func (s *Store) verifyQuorum(r *ledger.Record) error {
	active := s.validators.ActiveSet(r.CreatedAt)
	threshold := s.validators.QuorumWeight(r.CreatedAt)
	if threshold == 0 {
		// No validator set is active at created_at (no validator resolver
		// wired in, or a created_at before genesis).
		return nil
	}

	canon := ledgercrypto.Canon(r)
	seen := map[string]bool{}
	var weight uint64
	for _, qs := range r.QuorumSigs {
		if seen[qs.ValidatorID] {
			continue
		}
		v, ok := active[qs.ValidatorID]
		if !ok || v.Status != ledger.ValidatorActive {
			continue
		}
		if !ledgercrypto.Verify(v.PublicKey, canon, qs.Signature) {
			continue
		}
		seen[qs.ValidatorID] = true
		weight += v.Weight
	}

	if weight < threshold {
		return ledger.ErrInsufficientQuorum
	}
	return nil
}

// checkOrder enforces invariant 5 (per-author hash chain: prev must match
// the author's current tip) under the store lock, since it reads mutable
// index state.
func (s *Store) checkOrder(r *ledger.Record) error {
	tip, ok, err := s.idx.tip(r.Author)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}

	switch {
	case !ok && r.Prev == nil:
		return nil
	case !ok && r.Prev != nil:
		return ledger.ErrOutOfOrder
	case ok && r.Prev == nil:
		return ledger.ErrOutOfOrder
	case ok && *r.Prev != tip:
		return ledger.ErrOutOfOrder
	default:
		return nil
	}
}

// Get fetches a record by id.
func (s *Store) Get(id ledger.ID) (*ledger.Record, error) {
	s.mu.Lock()
	loc, ok, err := s.idx.location(id)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return s.readAt(loc)
}

func (s *Store) readAt(loc location) (*ledger.Record, error) {
	buf := make([]byte, loc.length)

	s.mu.Lock()
	_, err := s.logFile.ReadAt(buf, loc.offset)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}

	r := bufio.NewReader(&sliceReader{buf: buf})
	recordBytes, _, err := readFrame(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}
	return ledgercrypto.ParseCanonWithSigs(recordBytes)
}

// sliceReader adapts a byte slice holding exactly one frame to io.Reader,
// so readAt can reuse readFrame's CRC-checking decode path.
type sliceReader struct {
	buf []byte
	pos int
}

func (sr *sliceReader) Read(p []byte) (int, error) {
	if sr.pos >= len(sr.buf) {
		return 0, fmt.Errorf("ledgerstore: short read")
	}
	n := copy(p, sr.buf[sr.pos:])
	sr.pos += n
	return n, nil
}

// ScanAuthor returns, in created_at order, every record authored by
// author with created_at in [since, until). A zero until means "no upper
// bound".
func (s *Store) ScanAuthor(author string, since, until time.Time) ([]*ledger.Record, error) {
	s.mu.Lock()
	ids, err := s.idx.idsByAuthor(author, since.UnixNano(), nanosOrZero(until))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}
	return s.fetchAll(ids)
}

// ScanKind returns, in created_at order, every record of kind with
// created_at in [since, until).
func (s *Store) ScanKind(kind ledger.Kind, since, until time.Time) ([]*ledger.Record, error) {
	s.mu.Lock()
	ids, err := s.idx.idsByKind(kind, since.UnixNano(), nanosOrZero(until))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}
	return s.fetchAll(ids)
}

// ScanTier returns, in (created_at, id) order, every record of tier with
// created_at in [since, until). The rollup engine uses this to enumerate
// a chapter/book/part/series's covered records in the exact order
// invariant 6 requires.
func (s *Store) ScanTier(tier ledger.Tier, since, until time.Time) ([]*ledger.Record, error) {
	s.mu.Lock()
	ids, err := s.idx.idsByTier(tier, since.UnixNano(), nanosOrZero(until))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}
	return s.fetchAll(ids)
}

// CoveredBy returns the records whose Covers list includes coveringID,
// ordered by their id bytes — used by the API's prove operation.
func (s *Store) CoveredBy(coveringID ledger.ID) ([]*ledger.Record, error) {
	s.mu.Lock()
	ids, err := s.idx.idsCovering(coveringID)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrIO, err)
	}
	return s.fetchAll(ids)
}

func (s *Store) fetchAll(ids []ledger.ID) ([]*ledger.Record, error) {
	out := make([]*ledger.Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Tip returns the id of the latest record authored by author.
func (s *Store) Tip(author string) (ledger.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.tip(author)
}

// Height returns the total number of records appended to the store.
func (s *Store) Height() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.height()
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
