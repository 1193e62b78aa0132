package schedule

import (
	"fmt"
	"time"

	"github.com/Chamikara1/cashpilot/internal/ledger"
)

// TestingInterval is the fixed period of the testing term.
const TestingInterval = 30 * time.Second

// NextOccurrence computes the occurrence following anchor for the given term.
//
// Month-based terms preserve the anchor's day-of-month and clamp to the last
// valid day when the target month is shorter (Jan 31 -> Feb 28/29). The
// annual term steps by 12 months so that Feb 29 anchors clamp the same way.
// Unknown terms are an error, never a silent monthly fallback.
func NextOccurrence(anchor time.Time, term ledger.Term) (time.Time, error) {
	switch term {
	case ledger.TermTesting:
		return anchor.Add(TestingInterval), nil
	case ledger.TermMonthly:
		return addMonths(anchor, 1), nil
	case ledger.TermSemiannual:
		return addMonths(anchor, 6), nil
	case ledger.TermAnnual:
		return addMonths(anchor, 12), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ledger.ErrUnknownTerm, term)
}

func addMonths(t time.Time, n int) time.Time {
	y, m, day := t.Date()
	hh, mm, ss := t.Clock()

	// Anchor to the 1st so time.Date normalization cannot roll the month
	// over (Jan 31 + 1 month must not become Mar 2/3).
	first := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := lastDayOfMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hh, mm, ss, t.Nanosecond(), t.Location())
}

func lastDayOfMonth(y int, m time.Month) int {
	// Day 0 of the following month.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
