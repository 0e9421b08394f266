package pgindex

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

var testMirror *Mirror

func TestMain(m *testing.M) {
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		os.Exit(0)
	}

	var err error
	testMirror, err = Open(context.Background(), Config{URL: url})
	if err != nil {
		panic("failed to open test mirror: " + err.Error())
	}

	code := m.Run()
	testMirror.Close()
	os.Exit(code)
}

func testRecord(kind ledger.Kind, author string, at time.Time) *ledger.Record {
	return &ledger.Record{
		ID:        newTestID(),
		Kind:      kind,
		Author:    author,
		Tier:      ledger.TierPage,
		CreatedAt: at,
		Payload:   []byte(`{}`),
	}
}

var idCounter byte

func newTestID() ledger.ID {
	idCounter++
	var id ledger.ID
	id[0] = idCounter
	id[31] = 1
	return id
}

func TestIndexIsIdempotent(t *testing.T) {
	if testMirror == nil {
		t.Skip("LEDGER_TEST_DATABASE_URL not configured")
	}
	ctx := context.Background()

	rec := testRecord(ledger.KindVoteCast, "author-1", time.Now().UTC())
	defer testMirror.db.ExecContext(ctx, "DELETE FROM records WHERE id = $1", rec.ID[:])

	if err := testMirror.Index(ctx, rec); err != nil {
		t.Fatalf("first index: %v", err)
	}
	if err := testMirror.Index(ctx, rec); err != nil {
		t.Fatalf("re-index of identical id should be a no-op, got: %v", err)
	}
}

func TestQueryByKindRange(t *testing.T) {
	if testMirror == nil {
		t.Skip("LEDGER_TEST_DATABASE_URL not configured")
	}
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inRange := testRecord(ledger.KindFlagRaised, "author-2", base.Add(time.Hour))
	outOfRange := testRecord(ledger.KindFlagRaised, "author-2", base.Add(-time.Hour))
	defer func() {
		testMirror.db.ExecContext(ctx, "DELETE FROM records WHERE id = $1", inRange.ID[:])
		testMirror.db.ExecContext(ctx, "DELETE FROM records WHERE id = $1", outOfRange.ID[:])
	}()

	if err := testMirror.Index(ctx, inRange); err != nil {
		t.Fatalf("index inRange: %v", err)
	}
	if err := testMirror.Index(ctx, outOfRange); err != nil {
		t.Fatalf("index outOfRange: %v", err)
	}

	ids, err := testMirror.QueryByKindRange(ctx, ledger.KindFlagRaised, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	found := false
	for _, id := range ids {
		if id == inRange.ID {
			found = true
		}
		if id == outOfRange.ID {
			t.Error("query returned a record outside the requested range")
		}
	}
	if !found {
		t.Error("query did not return the in-range record")
	}
}
