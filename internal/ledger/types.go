// Package ledger holds the domain types shared by the scheduling engine,
// the budget watcher and the store: recurring payment definitions, the
// transactions they materialize into, budget goals and notifications.
package ledger

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Definition is one user-configured recurring payment.
//
// Definitions are created and deleted by external actors (the app/CLI going
// through the store); the processor only advances cycle state on a
// successful materialization.
type Definition struct {
	ID          string
	UserID      string
	Amount      string // stored as entered; parsed leniently, bad values count as 0
	Category    string
	Description string
	Term        Term
	CreatedAt   time.Time
	// LastProcessed is zero until the first cycle completes.
	LastProcessed   time.Time
	NextPayment     time.Time
	CyclesCompleted int
}

// AmountValue parses the stored amount. Unparsable amounts default to 0
// rather than failing the cycle.
func (d Definition) AmountValue() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(d.Amount), 64)
	if err != nil {
		return 0
	}
	return v
}

// Baseline is the anchor the next occurrence is computed from:
// the last processed instant, or the creation instant before the first cycle.
func (d Definition) Baseline() time.Time {
	if !d.LastProcessed.IsZero() {
		return d.LastProcessed
	}
	return d.CreatedAt
}

// CategoryOrDefault returns the category, defaulting empty to "Uncategorized".
func (d Definition) CategoryOrDefault() string {
	c := strings.TrimSpace(d.Category)
	if c == "" {
		return "Uncategorized"
	}
	return c
}

// KindExpense is the only transaction kind this processor writes.
const KindExpense = "Expense"

// Transaction is one ledger entry. The processor only ever creates them;
// it never mutates or deletes existing entries.
type Transaction struct {
	ID          string
	UserID      string
	Amount      float64
	Category    string
	Date        time.Time
	Description string
	Kind        string
	Recurring   bool
}

var errMissingField = errors.New("missing required field")

// Validate checks the fields the budget watcher depends on.
// Malformed records are skipped, never fatal.
func (t Transaction) Validate() error {
	switch {
	case strings.TrimSpace(t.UserID) == "":
		return errors.Join(errMissingField, errors.New("user id"))
	case strings.TrimSpace(t.Category) == "":
		return errors.Join(errMissingField, errors.New("category"))
	case t.Amount == 0:
		return errors.Join(errMissingField, errors.New("amount"))
	case t.Date.IsZero():
		return errors.Join(errMissingField, errors.New("date"))
	}
	return nil
}

// Goal is a budget target for one (user, category) pair over a date window.
// Read-only to this processor except for the recorded progress fields.
type Goal struct {
	ID        string
	UserID    string
	Name      string
	Category  string
	Amount    float64
	CreatedAt time.Time
	DueDate   time.Time
	// LastProgress/CurrentSpent are the values recorded at the previous
	// evaluation; crossings are detected against LastProgress.
	LastProgress float64
	CurrentSpent float64
}

// Contains reports whether ts falls inside the goal's [CreatedAt, DueDate] window.
func (g Goal) Contains(ts time.Time) bool {
	return !ts.Before(g.CreatedAt) && !ts.After(g.DueDate)
}

// Validate checks the fields the budget watcher depends on.
func (g Goal) Validate() error {
	switch {
	case strings.TrimSpace(g.ID) == "":
		return errors.Join(errMissingField, errors.New("goal id"))
	case strings.TrimSpace(g.UserID) == "":
		return errors.Join(errMissingField, errors.New("user id"))
	case g.CreatedAt.IsZero() || g.DueDate.IsZero():
		return errors.Join(errMissingField, errors.New("goal window"))
	case g.Amount <= 0:
		return errors.Join(errMissingField, errors.New("goal amount"))
	}
	return nil
}

// NotificationTypeBudgetAlert tags every notification this processor writes.
const NotificationTypeBudgetAlert = "budget-alert"

// Notification is a budget-alert record. Write-only output.
type Notification struct {
	ID           string
	UserID       string
	GoalID       string
	GoalName     string
	Message      string
	Progress     float64
	AmountSpent  float64
	BudgetAmount float64
	Read         bool
	Type         string
	Threshold    string
	CreatedAt    time.Time
}
