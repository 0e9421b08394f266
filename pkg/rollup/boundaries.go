// Copyright 2025 Civica Ledger Contributors
//
// Package rollup implements the Rollup Engine (C5): periodic summarization
// of lower-tier records into chapter/book/part/series rollup records, each
// carrying a Merkle summary_root over its covered ids (spec §4.5).
package rollup

import (
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

// Interval is a half-open wall-clock window (Start, End].
type Interval struct {
	Start time.Time
	End   time.Time
}

// CoveredTier returns the tier whose records a rollup of tier covers:
// chapters cover pages, books cover chapters, and so on.
func CoveredTier(tier ledger.Tier) ledger.Tier {
	switch tier {
	case ledger.TierChapter:
		return ledger.TierPage
	case ledger.TierBook:
		return ledger.TierChapter
	case ledger.TierPart:
		return ledger.TierBook
	case ledger.TierSeries:
		return ledger.TierPart
	default:
		return ledger.TierGenesis
	}
}

// PrecedingBoundary returns the most recently completed boundary of tier
// at or before now — the chapter/book/part/series interval that just
// closed and is ready to be rolled up.
func PrecedingBoundary(tier ledger.Tier, now time.Time) Interval {
	now = now.UTC()
	switch tier {
	case ledger.TierChapter:
		end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return Interval{Start: end.AddDate(0, 0, -1), End: end}

	case ledger.TierBook:
		end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Interval{Start: end.AddDate(0, -1, 0), End: end}

	case ledger.TierPart:
		end := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return Interval{Start: end.AddDate(-1, 0, 0), End: end}

	case ledger.TierSeries:
		decadeStart := (now.Year() / 10) * 10
		end := time.Date(decadeStart, 1, 1, 0, 0, 0, 0, time.UTC)
		return Interval{Start: end.AddDate(-10, 0, 0), End: end}

	default:
		return Interval{}
	}
}

// Contains reports whether t falls in (i.Start, i.End]. A timestamp
// exactly on the boundary belongs to the earlier interval, i.e. it is
// End-inclusive here and Start-exclusive (spec §8: "record with
// created_at exactly on a boundary belongs to the earlier chapter").
func (i Interval) Contains(t time.Time) bool {
	return t.After(i.Start) && !t.After(i.End)
}

// SafeToEmit reports whether now is far enough past the boundary's end
// that every record that could legally belong to the interval is
// guaranteed durable — clock_skew + T_prop after the wall-clock instant
// (spec §4.5 edge case: "late pages are impossible by construction").
func SafeToEmit(i Interval, now time.Time, clockSkew, propTimeout time.Duration) bool {
	return !now.Before(i.End.Add(clockSkew + propTimeout))
}
