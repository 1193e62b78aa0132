package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Chamikara1/cashpilot/internal/ledger"
	"github.com/Chamikara1/cashpilot/internal/store"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

// CycleStore is the slice of the store one payment cycle needs.
type CycleStore interface {
	GetDefinition(ctx context.Context, id string) (ledger.Definition, bool, error)
	CompleteCycle(ctx context.Context, c store.CycleCompletion) error
}

// Cycle is the per-definition state machine:
//
//	Unscheduled -> Armed -> Firing -> Armed (rescheduled) | Disposed
//
// A cycle owns at most one armed timer and never has two in-flight
// materializations; rearming happens only after the prior fire's store
// writes complete or fail. Cancel guarantees no subsequent fire.
type Cycle struct {
	id    string
	st    CycleStore
	log   logx.Logger
	clock Clock

	newTimer     TimerFunc
	retryBackoff time.Duration

	// ctx bounds the cycle's store calls; cancelled on engine shutdown.
	ctx context.Context

	mu         sync.Mutex
	def        ledger.Definition
	timer      TimerHandle
	next       time.Time // display/diagnostics only
	disposed   bool
	fastRepeat bool // testing term after its first fire
}

func newCycle(ctx context.Context, id string, st CycleStore, log logx.Logger, clock Clock, newTimer TimerFunc, retryBackoff time.Duration) *Cycle {
	if clock == nil {
		clock = systemClock{}
	}
	if newTimer == nil {
		newTimer = defaultTimerFunc
	}
	if retryBackoff <= 0 {
		retryBackoff = 5 * time.Second
	}
	return &Cycle{
		id:           id,
		st:           st,
		log:          log.With(logx.String("definition", id)),
		clock:        clock,
		newTimer:     newTimer,
		retryBackoff: retryBackoff,
		ctx:          ctx,
	}
}

func (c *Cycle) ID() string { return c.id }

// Next reports the instant the cycle is armed for. Diagnostics only.
func (c *Cycle) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Definition returns the latest known snapshot.
func (c *Cycle) Definition() ledger.Definition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def
}

// Armed reports whether a timer is currently pending.
func (c *Cycle) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil && !c.disposed
}

// Schedule computes the next occurrence from the snapshot and arms the
// timer. The baseline is the last processed instant (creation before the
// first cycle); an occurrence not strictly in the future is recomputed from
// now so a long outage never causes an instant-refire storm.
func (c *Cycle) Schedule(def ledger.Definition) error {
	next, err := NextOccurrence(def.Baseline(), def.Term)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", c.id, err)
	}
	now := c.clock.Now()
	if !next.After(now) {
		if next, err = NextOccurrence(now, def.Term); err != nil {
			return fmt.Errorf("schedule %s: %w", c.id, err)
		}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.def = def
	c.next = next
	c.timer = c.newTimer(next.Sub(now), c.fire)
	c.mu.Unlock()

	c.log.Debug("cycle armed",
		logx.String("term", def.Term.String()),
		logx.Time("next", next),
		logx.Duration("in", next.Sub(now)))
	return nil
}

// fire runs on the timer goroutine: re-read, materialize, rearm.
func (c *Cycle) fire() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	def := c.def
	c.mu.Unlock()

	fresh, ok, err := c.st.GetDefinition(c.ctx, c.id)
	if err != nil {
		c.log.Warn("fire: definition re-read failed, retrying", logx.Err(err), logx.Duration("backoff", c.retryBackoff))
		c.rearmRetry()
		return
	}
	if !ok {
		// Deleted between scheduling and fire: normal disposal, no writes.
		c.log.Info("definition gone at fire, disposing cycle")
		c.Cancel()
		return
	}
	def = fresh

	// The store keeps epoch millis; truncate so the snapshot written back
	// compares equal to the Modified event it will echo.
	now := c.clock.Now().Truncate(time.Millisecond)
	next, err := NextOccurrence(now, def.Term)
	if err != nil {
		// A definition edited into an invalid term cannot cycle; leave it
		// unarmed until the next modify event fixes it.
		c.log.Error("fire: invalid term, cycle left unarmed", logx.Err(err))
		return
	}

	completion := store.CycleCompletion{
		DefinitionID: c.id,
		Transaction: ledger.Transaction{
			UserID:      def.UserID,
			Amount:      def.AmountValue(),
			Category:    def.CategoryOrDefault(),
			Date:        now,
			Description: "Recurring: " + def.Description,
			Kind:        ledger.KindExpense,
			Recurring:   true,
		},
		ProcessedAt: now,
		NextPayment: next,
	}
	if err := c.st.CompleteCycle(c.ctx, completion); err != nil {
		// Do not advance anything; the same cycle is retried, never skipped.
		c.log.Warn("materialization failed, retrying same cycle", logx.Err(err), logx.Duration("backoff", c.retryBackoff))
		c.rearmRetry()
		return
	}

	def.LastProcessed = now
	def.NextPayment = next
	def.CyclesCompleted++
	c.log.Info("payment processed",
		logx.Float64("amount", completion.Transaction.Amount),
		logx.String("category", completion.Transaction.Category),
		logx.Int("cycles", def.CyclesCompleted),
		logx.Time("next", next))

	if def.Term == ledger.TermTesting {
		// The interval is constant after the first fire; rearm directly
		// instead of re-deriving it through the stepper.
		c.mu.Lock()
		if !c.disposed {
			c.fastRepeat = true
			c.def = def
			c.next = now.Add(TestingInterval)
			c.timer = c.newTimer(TestingInterval, c.fire)
		}
		c.mu.Unlock()
		return
	}

	if err := c.Schedule(def); err != nil {
		c.log.Error("reschedule after fire failed", logx.Err(err))
	}
}

// rearmRetry arms a short fixed-backoff timer that re-attempts the same
// fire with the unchanged snapshot.
func (c *Cycle) rearmRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.next = c.clock.Now().Add(c.retryBackoff)
	c.timer = c.newTimer(c.retryBackoff, c.fire)
}

// Cancel disposes the cycle: the timer is disarmed and no subsequent fire
// or write will happen. Idempotent and final.
func (c *Cycle) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	c.stopTimerLocked()
}

func (c *Cycle) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
