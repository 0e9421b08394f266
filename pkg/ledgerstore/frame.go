// Copyright 2025 Civica Ledger Contributors
//
// Package ledgerstore implements the durable, append-only record store (C2):
// the primary log file, its frame format, crash recovery, and the
// rebuildable secondary indices. Grounded on the key-layout discipline of
// the teacher's pkg/ledger/store.go, but backed by a real append-only file
// because spec §6 pins an exact on-disk frame format a generic KV can't
// express.
package ledgerstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// crc32cTable is the Castagnoli polynomial table used for frame checksums,
// per spec §6's "crc32: u32 // CRC-32C over length || record".
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// MaxPayloadBytes is the oversize-payload cutoff (spec §4.2 edge case).
const MaxPayloadBytes = 1 << 20 // 1 MiB

// writeFrame writes one length-prefixed, CRC-32C-framed record to w, per
// spec §6:
//
//	length:  u32        // bytes of record_bytes
//	record:  length B    // canon-encoded record including signatures
//	crc32:   u32        // CRC-32C over length || record
func writeFrame(w io.Writer, recordBytes []byte) (int, error) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(recordBytes)))

	crc := crc32.Checksum(lenBuf[:], crc32cTable)
	crc = crc32.Update(crc, crc32cTable, recordBytes)

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)

	n := 0
	for _, chunk := range [][]byte{lenBuf[:], recordBytes, crcBuf[:]} {
		written, err := w.Write(chunk)
		n += written
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// readFrame reads one frame from r. It returns io.EOF when the stream ends
// cleanly on a frame boundary, and ErrTruncatedFrame when a partial frame
// (from a crash mid-write) is detected so the caller can truncate it.
func readFrame(r *bufio.Reader) (recordBytes []byte, frameLen int, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTruncatedFrame
		}
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > MaxPayloadBytes*2 {
		// A length this large cannot be a well-formed frame; treat the
		// remainder of the file as a truncated/corrupt tail rather than
		// attempting to allocate an attacker-controlled buffer size.
		return nil, 0, ErrTruncatedFrame
	}

	recordBytes = make([]byte, length)
	if _, err := io.ReadFull(r, recordBytes); err != nil {
		return nil, 0, ErrTruncatedFrame
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, 0, ErrTruncatedFrame
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

	gotCRC := crc32.Checksum(lenBuf[:], crc32cTable)
	gotCRC = crc32.Update(gotCRC, crc32cTable, recordBytes)
	if gotCRC != wantCRC {
		return nil, 0, ErrTruncatedFrame
	}

	frameLen = 4 + len(recordBytes) + 4
	return recordBytes, frameLen, nil
}

// ErrTruncatedFrame is returned by readFrame for a partial/corrupt tail
// frame. It is not itself a fatal error: recovery truncates past it.
var ErrTruncatedFrame = fmt.Errorf("ledgerstore: truncated or corrupt frame")
