package ledgerstore

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// location is where one record's frame lives in the primary log file.
type location struct {
	offset int64
	length uint32
}

// index is the rebuildable secondary-index layer described in spec §4.2.
// It is backed by goleveldb (grounded on the teacher's pkg/kvdb adapter,
// which wraps CometBFT's dbm.DB the same way) and can always be rebuilt
// from scratch by replaying the primary log — it is never the source of
// truth for durability.
type index struct {
	db *leveldb.DB
}

func openIndex(path string) (*index, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: open index: %w", err)
	}
	return &index{db: db}, nil
}

func (x *index) Close() error { return x.db.Close() }

// Reset drops every key so the index can be rebuilt from the log.
func (x *index) Reset() error {
	iter := x.db.NewIterator(nil, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return x.db.Write(batch, nil)
}

var (
	prefixID       = []byte("id:")
	prefixAuthor   = []byte("author:")
	prefixKind     = []byte("kind:")
	prefixTier     = []byte("tier:")
	prefixCovering = []byte("covering:")
	prefixTip      = []byte("tip:")
	keyHeight      = []byte("height")
)

func idKey(id ledger.ID) []byte {
	return append(append([]byte(nil), prefixID...), id[:]...)
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func authorKey(author string, createdAt int64, id ledger.ID) []byte {
	k := append([]byte(nil), prefixAuthor...)
	k = append(k, author...)
	k = append(k, ':')
	k = append(k, be64(uint64(createdAt))...)
	k = append(k, id[:]...)
	return k
}

func authorPrefix(author string) []byte {
	k := append([]byte(nil), prefixAuthor...)
	k = append(k, author...)
	k = append(k, ':')
	return k
}

func kindKey(kind ledger.Kind, createdAt int64, id ledger.ID) []byte {
	k := append([]byte(nil), prefixKind...)
	k = append(k, kind...)
	k = append(k, ':')
	k = append(k, be64(uint64(createdAt))...)
	k = append(k, id[:]...)
	return k
}

func kindPrefix(kind ledger.Kind) []byte {
	k := append([]byte(nil), prefixKind...)
	k = append(k, kind...)
	k = append(k, ':')
	return k
}

func tierKey(tier ledger.Tier, createdAt int64, id ledger.ID) []byte {
	k := append([]byte(nil), prefixTier...)
	k = append(k, byte(tier))
	k = append(k, ':')
	k = append(k, be64(uint64(createdAt))...)
	k = append(k, id[:]...)
	return k
}

func coveringKey(covering, covered ledger.ID) []byte {
	k := append([]byte(nil), prefixCovering...)
	k = append(k, covering[:]...)
	k = append(k, covered[:]...)
	return k
}

func tipKey(author string) []byte {
	return append(append([]byte(nil), prefixTip...), author...)
}

// put records a newly-appended record's location and all of its secondary
// index entries in a single atomic batch.
func (x *index) put(r *ledger.Record, loc location) error {
	batch := new(leveldb.Batch)

	var locBuf [12]byte
	binary.LittleEndian.PutUint64(locBuf[0:8], uint64(loc.offset))
	binary.LittleEndian.PutUint32(locBuf[8:12], loc.length)
	batch.Put(idKey(r.ID), locBuf[:])

	created := r.CreatedAt.UTC().UnixNano()
	batch.Put(authorKey(r.Author, created, r.ID), r.ID[:])
	batch.Put(kindKey(r.Kind, created, r.ID), r.ID[:])
	batch.Put(tierKey(r.Tier, created, r.ID), r.ID[:])
	for _, c := range r.Covers {
		batch.Put(coveringKey(c, r.ID), r.ID[:])
	}
	batch.Put(tipKey(r.Author), r.ID[:])

	h, err := x.height()
	if err != nil {
		return err
	}
	batch.Put(keyHeight, be64(h+1))

	return x.db.Write(batch, nil)
}

func (x *index) location(id ledger.ID) (location, bool, error) {
	v, err := x.db.Get(idKey(id), nil)
	if err == leveldb.ErrNotFound {
		return location{}, false, nil
	}
	if err != nil {
		return location{}, false, err
	}
	if len(v) != 12 {
		return location{}, false, fmt.Errorf("ledgerstore: corrupt index entry for id")
	}
	return location{
		offset: int64(binary.LittleEndian.Uint64(v[0:8])),
		length: binary.LittleEndian.Uint32(v[8:12]),
	}, true, nil
}

func (x *index) tip(author string) (ledger.ID, bool, error) {
	v, err := x.db.Get(tipKey(author), nil)
	if err == leveldb.ErrNotFound {
		return ledger.ID{}, false, nil
	}
	if err != nil {
		return ledger.ID{}, false, err
	}
	var id ledger.ID
	copy(id[:], v)
	return id, true, nil
}

func (x *index) height() (uint64, error) {
	v, err := x.db.Get(keyHeight, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// idsByAuthor returns the ids authored by author in created_at order,
// restricted to [since, until) nanoseconds since epoch.
func (x *index) idsByAuthor(author string, since, until int64) ([]ledger.ID, error) {
	return x.scanRange(authorPrefix(author), since, until)
}

// idsByKind returns ids of the given kind in created_at order, restricted
// to [since, until).
func (x *index) idsByKind(kind ledger.Kind, since, until int64) ([]ledger.ID, error) {
	return x.scanRange(kindPrefix(kind), since, until)
}

func tierPrefix(tier ledger.Tier) []byte {
	k := append([]byte(nil), prefixTier...)
	k = append(k, byte(tier))
	k = append(k, ':')
	return k
}

// idsByTier returns ids of the given tier in (created_at, id) order,
// restricted to [since, until) — the exact ordering the rollup engine
// needs when it enumerates a chapter/book/part/series's covered records.
func (x *index) idsByTier(tier ledger.Tier, since, until int64) ([]ledger.ID, error) {
	return x.scanRange(tierPrefix(tier), since, until)
}

func (x *index) scanRange(prefix []byte, since, until int64) ([]ledger.ID, error) {
	iter := x.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []ledger.ID
	for iter.Next() {
		key := iter.Key()
		tsBytes := key[len(key)-8-32 : len(key)-32]
		ts := int64(binary.BigEndian.Uint64(tsBytes))
		if ts < since || (until > 0 && ts >= until) {
			continue
		}
		var id ledger.ID
		copy(id[:], iter.Value())
		out = append(out, id)
	}
	return out, iter.Error()
}

// idsCovering returns the ids of records whose Covers list includes
// coveringID, ordered by those records' id bytes.
func (x *index) idsCovering(coveringID ledger.ID) ([]ledger.ID, error) {
	prefix := append(append([]byte(nil), prefixCovering...), coveringID[:]...)
	iter := x.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []ledger.ID
	for iter.Next() {
		var id ledger.ID
		copy(id[:], iter.Value())
		out = append(out, id)
	}
	return out, iter.Error()
}
