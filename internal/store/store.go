// Package store is the document-store collaborator: collection queries,
// equality filters, batched writes, and per-collection change feeds that
// push added/modified/removed events to subscribers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Chamikara1/cashpilot/internal/ledger"
)

// ErrNotFound is returned by updates whose target no longer exists.
var ErrNotFound = errors.New("store: not found")

// ChangeKind classifies a change-feed event.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// DefinitionEvent is one change-feed event on the definitions collection.
// Definition carries the post-change snapshot (pre-delete snapshot for Removed).
type DefinitionEvent struct {
	Kind       ChangeKind
	Definition ledger.Definition
}

// TransactionEvent is one change-feed event on the transactions collection.
type TransactionEvent struct {
	Kind        ChangeKind
	Transaction ledger.Transaction
}

// CycleCompletion is the write pair of one completed payment cycle:
// the materialized transaction plus the definition advance.
type CycleCompletion struct {
	DefinitionID string
	Transaction  ledger.Transaction
	ProcessedAt  time.Time
	NextPayment  time.Time
}

// Store is the persistence API used by the processor.
//
// Mutating methods publish change-feed events after a successful write.
// Feeds never block the writer; slow subscribers drop events and are
// expected to reconcile via the list methods.
type Store interface {
	// Definitions.
	ListDefinitions(ctx context.Context) ([]ledger.Definition, error)
	GetDefinition(ctx context.Context, id string) (ledger.Definition, bool, error)
	PutDefinition(ctx context.Context, d ledger.Definition) error
	DeleteDefinition(ctx context.Context, id string) error
	// DueDefinitions lists definitions whose next payment is at or before now.
	DueDefinitions(ctx context.Context, now time.Time) ([]ledger.Definition, error)
	SubscribeDefinitions(buffer int) (<-chan DefinitionEvent, func())

	// CompleteCycle records one cycle: the transaction write happens first,
	// then the definition advance. The two writes are deliberately not
	// atomic; a crash in between is recovered by rescheduling (the repeated
	// transaction is the accepted idempotence tradeoff).
	CompleteCycle(ctx context.Context, c CycleCompletion) error
	// CompleteCycleBatch commits a batch of completions in one store
	// transaction. Used by the sweep delivery mode.
	CompleteCycleBatch(ctx context.Context, cs []CycleCompletion) (int, error)

	// Transactions.
	WriteTransaction(ctx context.Context, t ledger.Transaction) (string, error)
	SubscribeTransactions(buffer int) (<-chan TransactionEvent, func())

	// Goals.
	GoalsFor(ctx context.Context, userID, category string) ([]ledger.Goal, error)
	GetGoal(ctx context.Context, id string) (ledger.Goal, bool, error)
	PutGoal(ctx context.Context, g ledger.Goal) error
	UpdateGoalProgress(ctx context.Context, id string, progress, spent float64) error
	// SpentInWindow recomputes total spend for (user, category) over the
	// window from scratch; incremental aggregation drifts.
	SpentInWindow(ctx context.Context, userID, category string, from, to time.Time) (float64, error)

	// Notifications.
	WriteNotification(ctx context.Context, n ledger.Notification) (string, error)

	Close() error
}
