package ledgerstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/civica-ledger/hal/pkg/ledgercrypto"
)

// recover walks the primary log from byte 0, validating every frame's
// CRC-32C. If the last frame is partial or corrupt (the crash-mid-write
// case spec §4.2 calls out), the log is truncated to the last good frame
// boundary. The index is then rebuilt from scratch if its recorded height
// doesn't match what the log actually holds, which covers both "fresh
// ledger directory" and "index lost or stale relative to the log".
func (s *Store) recover() error {
	f, err := os.Open(s.logFile.Name())
	if err != nil {
		return fmt.Errorf("%w: %v", ioErrPrefix, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	type entry struct {
		recordBytes []byte
		offset      int64
		length      int
	}
	var entries []entry
	var offset int64

	for {
		recordBytes, frameLen, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, ErrTruncatedFrame) {
				break
			}
			return fmt.Errorf("%w: %v", ioErrPrefix, err)
		}
		entries = append(entries, entry{recordBytes: recordBytes, offset: offset, length: frameLen})
		offset += int64(frameLen)
	}

	if err := s.logFile.Truncate(offset); err != nil {
		return fmt.Errorf("%w: %v", ioErrPrefix, err)
	}
	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("%w: %v", ioErrPrefix, err)
	}

	height, err := s.idx.height()
	if err != nil {
		return err
	}
	if height == uint64(len(entries)) {
		return nil
	}

	if err := s.idx.Reset(); err != nil {
		return fmt.Errorf("%w: %v", ioErrPrefix, err)
	}
	for _, e := range entries {
		r, err := ledgercrypto.ParseCanonWithSigs(e.recordBytes)
		if err != nil {
			return fmt.Errorf("ledgerstore: rebuild index: corrupt record at offset %d: %w", e.offset, err)
		}
		if err := s.idx.put(r, location{offset: e.offset, length: uint32(e.length)}); err != nil {
			return fmt.Errorf("%w: %v", ioErrPrefix, err)
		}
	}

	return nil
}

var ioErrPrefix = fmt.Errorf("ledgerstore: recovery")
