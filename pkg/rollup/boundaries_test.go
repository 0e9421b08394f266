package rollup

import (
	"testing"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// ============================================================================
// CoveredTier Tests
// ============================================================================

func TestCoveredTier(t *testing.T) {
	cases := []struct {
		tier ledger.Tier
		want ledger.Tier
	}{
		{ledger.TierChapter, ledger.TierPage},
		{ledger.TierBook, ledger.TierChapter},
		{ledger.TierPart, ledger.TierBook},
		{ledger.TierSeries, ledger.TierPart},
	}
	for _, c := range cases {
		if got := CoveredTier(c.tier); got != c.want {
			t.Errorf("CoveredTier(%s) = %s, want %s", c.tier, got, c.want)
		}
	}
}

// ============================================================================
// PrecedingBoundary Tests
// ============================================================================

func TestPrecedingBoundary_Chapter(t *testing.T) {
	now := time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)
	got := PrecedingBoundary(ledger.TierChapter, now)

	wantEnd := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	wantStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if !got.End.Equal(wantEnd) {
		t.Errorf("End = %s, want %s", got.End, wantEnd)
	}
	if !got.Start.Equal(wantStart) {
		t.Errorf("Start = %s, want %s", got.Start, wantStart)
	}
}

func TestPrecedingBoundary_ExactMidnight(t *testing.T) {
	// A timestamp exactly on a chapter boundary should report the boundary
	// that just closed, not skip forward to the next one.
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	got := PrecedingBoundary(ledger.TierChapter, now)
	wantEnd := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.End.Equal(wantEnd) {
		t.Errorf("End = %s, want %s", got.End, wantEnd)
	}
}

func TestPrecedingBoundary_Book(t *testing.T) {
	now := time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)
	got := PrecedingBoundary(ledger.TierBook, now)
	wantEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	wantStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !got.End.Equal(wantEnd) || !got.Start.Equal(wantStart) {
		t.Errorf("got (%s, %s], want (%s, %s]", got.Start, got.End, wantStart, wantEnd)
	}
}

func TestPrecedingBoundary_Part(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	got := PrecedingBoundary(ledger.TierPart, now)
	wantEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wantStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.End.Equal(wantEnd) || !got.Start.Equal(wantStart) {
		t.Errorf("got (%s, %s], want (%s, %s]", got.Start, got.End, wantStart, wantEnd)
	}
}

func TestPrecedingBoundary_Series(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	got := PrecedingBoundary(ledger.TierSeries, now)
	wantEnd := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	wantStart := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.End.Equal(wantEnd) || !got.Start.Equal(wantStart) {
		t.Errorf("got (%s, %s], want (%s, %s]", got.Start, got.End, wantStart, wantEnd)
	}
}

// ============================================================================
// Interval.Contains Tests
// ============================================================================

func TestInterval_Contains_Boundary(t *testing.T) {
	i := Interval{
		Start: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}

	// Exactly on the start: belongs to the PREVIOUS interval, not this one.
	if i.Contains(i.Start) {
		t.Error("Contains(Start) = true, want false")
	}
	// Exactly on the end: belongs to this interval.
	if !i.Contains(i.End) {
		t.Error("Contains(End) = false, want true")
	}
	mid := i.Start.Add(12 * time.Hour)
	if !i.Contains(mid) {
		t.Error("Contains(midpoint) = false, want true")
	}
}

// ============================================================================
// SafeToEmit Tests
// ============================================================================

func TestSafeToEmit(t *testing.T) {
	end := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	i := Interval{Start: end.AddDate(0, 0, -1), End: end}
	skew := 30 * time.Second
	timeout := 60 * time.Second

	tooSoon := end.Add(skew + timeout - time.Second)
	if SafeToEmit(i, tooSoon, skew, timeout) {
		t.Error("SafeToEmit before deadline = true, want false")
	}

	justSafe := end.Add(skew + timeout)
	if !SafeToEmit(i, justSafe, skew, timeout) {
		t.Error("SafeToEmit at deadline = false, want true")
	}
}
