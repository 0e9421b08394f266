package ledgercrypto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// Canon produces the deterministic, bit-exact byte encoding of a record
// without its signatures (author_sig and quorum_sigs are excluded, matching
// spec §4.1: "id == H(canon(record_without_sigs))"). Field order is fixed,
// integers are little-endian, strings/bytes are length-prefixed. No floats
// appear anywhere in the encoding. This is the only place record identity is
// computed; any other encoding of the same logical record must produce the
// same bytes or invariant 2 (content addressing) breaks.
func Canon(r *ledger.Record) []byte {
	var buf bytes.Buffer

	putVarStr(&buf, string(r.Kind))
	putVarStr(&buf, r.Author)
	buf.WriteByte(byte(r.Tier))
	putInt64(&buf, r.CreatedAt.UTC().UnixNano())

	if r.Prev == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.Write(r.Prev[:])
	}

	putVarBytes(&buf, r.Payload)

	putUint32(&buf, uint32(len(r.Covers)))
	for _, id := range r.Covers {
		buf.Write(id[:])
	}

	return buf.Bytes()
}

// CanonWithSigs encodes the full on-disk record, including id and the
// signature fields, per spec §6's frame payload layout. This is what gets
// written into a log frame; Canon (above) is the signature-free subset that
// determines the id and is what author_sig/quorum_sigs actually sign over.
func CanonWithSigs(r *ledger.Record) []byte {
	var buf bytes.Buffer

	buf.Write(r.ID[:])
	putVarStr(&buf, string(r.Kind))
	putVarStr(&buf, r.Author)
	buf.WriteByte(byte(r.Tier))
	putInt64(&buf, r.CreatedAt.UTC().UnixNano())

	if r.Prev == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.Write(r.Prev[:])
	}

	putVarBytes(&buf, r.Payload)
	putVarBytes(&buf, r.AuthorSig)

	putUint16(&buf, uint16(len(r.QuorumSigs)))
	for _, qs := range r.QuorumSigs {
		putVarStr(&buf, qs.ValidatorID)
		putVarBytes(&buf, qs.Signature)
	}

	putUint32(&buf, uint32(len(r.Covers)))
	for _, id := range r.Covers {
		buf.Write(id[:])
	}

	return buf.Bytes()
}

// ParseCanonWithSigs decodes what CanonWithSigs produced. It is the
// inverse used by the record store on read/recovery; parse(canon(r)) == r
// is one of spec §8's round-trip laws.
func ParseCanonWithSigs(b []byte) (*ledger.Record, error) {
	r := &ledger.Record{}
	buf := bytes.NewReader(b)

	if _, err := buf.Read(r.ID[:]); err != nil {
		return nil, fmt.Errorf("ledgercrypto: read id: %w", err)
	}

	kind, err := getVarStr(buf)
	if err != nil {
		return nil, fmt.Errorf("ledgercrypto: read kind: %w", err)
	}
	r.Kind = ledger.Kind(kind)

	author, err := getVarStr(buf)
	if err != nil {
		return nil, fmt.Errorf("ledgercrypto: read author: %w", err)
	}
	r.Author = author

	tierByte, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ledgercrypto: read tier: %w", err)
	}
	r.Tier = ledger.Tier(tierByte)

	var nanos int64
	if err := binary.Read(buf, binary.LittleEndian, &nanos); err != nil {
		return nil, fmt.Errorf("ledgercrypto: read created_at: %w", err)
	}
	r.CreatedAt = nanosToTime(nanos)

	prevFlag, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ledgercrypto: read prev flag: %w", err)
	}
	if prevFlag == 1 {
		var prev ledger.ID
		if _, err := buf.Read(prev[:]); err != nil {
			return nil, fmt.Errorf("ledgercrypto: read prev: %w", err)
		}
		r.Prev = &prev
	}

	payload, err := getVarBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("ledgercrypto: read payload: %w", err)
	}
	r.Payload = payload

	authorSig, err := getVarBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("ledgercrypto: read author_sig: %w", err)
	}
	r.AuthorSig = authorSig

	var qCount uint16
	if err := binary.Read(buf, binary.LittleEndian, &qCount); err != nil {
		return nil, fmt.Errorf("ledgercrypto: read quorum_sigs_count: %w", err)
	}
	r.QuorumSigs = make([]ledger.QuorumSig, 0, qCount)
	for i := uint16(0); i < qCount; i++ {
		vid, err := getVarStr(buf)
		if err != nil {
			return nil, fmt.Errorf("ledgercrypto: read quorum validator_id: %w", err)
		}
		sig, err := getVarBytes(buf)
		if err != nil {
			return nil, fmt.Errorf("ledgercrypto: read quorum sig: %w", err)
		}
		r.QuorumSigs = append(r.QuorumSigs, ledger.QuorumSig{ValidatorID: vid, Signature: sig})
	}

	var coversCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &coversCount); err != nil {
		return nil, fmt.Errorf("ledgercrypto: read covers_count: %w", err)
	}
	r.Covers = make([]ledger.ID, 0, coversCount)
	for i := uint32(0); i < coversCount; i++ {
		var id ledger.ID
		if _, err := buf.Read(id[:]); err != nil {
			return nil, fmt.Errorf("ledgercrypto: read covers id: %w", err)
		}
		r.Covers = append(r.Covers, id)
	}

	return r, nil
}

func putVarStr(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func getVarStr(r *bytes.Reader) (string, error) {
	b, err := getVarBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func putVarBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func getVarBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func putUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
