package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Term is the recurrence period of a recurring payment definition.
type Term string

const (
	// TermTesting fires every 30 seconds. Diagnostics/testing only.
	TermTesting Term = "testing-30s"

	TermMonthly    Term = "monthly"
	TermSemiannual Term = "semiannual"
	TermAnnual     Term = "annual"
)

// ErrUnknownTerm is returned for any term outside the enumerated set.
// There is deliberately no silent fallback to monthly anywhere.
var ErrUnknownTerm = errors.New("unknown recurrence term")

// ParseTerm validates a stored term value.
func ParseTerm(s string) (Term, error) {
	t := Term(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTerm, s)
	}
	return t, nil
}

func (t Term) Valid() bool {
	switch t {
	case TermTesting, TermMonthly, TermSemiannual, TermAnnual:
		return true
	}
	return false
}

func (t Term) String() string { return string(t) }
