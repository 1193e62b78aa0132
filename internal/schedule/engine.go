package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Chamikara1/cashpilot/internal/ledger"
	rtsup "github.com/Chamikara1/cashpilot/internal/runtime/supervisor"
	"github.com/Chamikara1/cashpilot/internal/store"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

// EngineStore is the slice of the store the engine needs.
type EngineStore interface {
	CycleStore
	ListDefinitions(ctx context.Context) ([]ledger.Definition, error)
	SubscribeDefinitions(buffer int) (<-chan store.DefinitionEvent, func())
}

const (
	feedBuffer     = 64
	defaultResync  = 10 * time.Minute
	defaultRetry   = 5 * time.Second
	feedRestartMin = 2 * time.Second
	feedRestartMax = 30 * time.Second
)

// Engine owns one Cycle per live definition and keeps the set converged
// with the definitions change feed. The feed consumer runs under the
// supervisor and resubscribes with a fresh full listing after any failure,
// so dropped events heal on the next convergence.
type Engine struct {
	st  EngineStore
	log logx.Logger
	sup *rtsup.Supervisor

	clock        Clock
	newTimer     TimerFunc
	retryBackoff time.Duration
	resyncEvery  time.Duration
	feedMin      time.Duration
	feedMax      time.Duration

	// cycleCtx outlives individual feed restarts; cycles bind their store
	// calls to it, not to the consumer goroutine's context.
	cycleCtx context.Context

	mu     sync.Mutex
	cycles map[string]*Cycle
}

type EngineOption func(*Engine)

// WithClock substitutes the time source. Tests only.
func WithClock(c Clock) EngineOption { return func(e *Engine) { e.clock = c } }

// WithTimerFunc substitutes the timer constructor. Tests only.
func WithTimerFunc(f TimerFunc) EngineOption { return func(e *Engine) { e.newTimer = f } }

// WithRetryBackoff sets the delay before a failed materialization is retried.
func WithRetryBackoff(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retryBackoff = d
		}
	}
}

// WithResyncInterval sets the periodic full-reconverge interval. Zero
// disables the ticker (the feed restart path still reconverges).
func WithResyncInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.resyncEvery = d }
}

func NewEngine(st EngineStore, log logx.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		st:           st,
		log:          log.With(logx.String("component", "engine")),
		clock:        systemClock{},
		newTimer:     defaultTimerFunc,
		retryBackoff: defaultRetry,
		resyncEvery:  defaultResync,
		feedMin:      feedRestartMin,
		feedMax:      feedRestartMax,
		cycles:       make(map[string]*Cycle),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the feed consumer and the optional resync ticker.
func (e *Engine) Start(ctx context.Context) error {
	if e.st == nil {
		return errors.New("engine: nil store")
	}
	e.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(e.log))
	e.cycleCtx = e.sup.Context()
	e.sup.GoRestart("definitions.feed", e.runFeed,
		rtsup.WithRestartBackoff(e.feedMin, e.feedMax))
	if e.resyncEvery > 0 {
		e.sup.Go0("definitions.resync", e.runResync)
	}
	return nil
}

// Stop shuts down the feed consumer first, then cancels every cycle.
// That order matters: a feed event applied during shutdown can still
// install a cycle, and it must not survive as an orphaned timer.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	if e.sup != nil {
		err = e.sup.Stop(ctx)
	}
	e.mu.Lock()
	for id, c := range e.cycles {
		c.Cancel()
		delete(e.cycles, id)
	}
	e.mu.Unlock()
	return err
}

// CycleCount reports the number of live cycles. Diagnostics only.
func (e *Engine) CycleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cycles)
}

// runFeed is the supervised consumer: subscribe first so no event falls in
// the gap, then converge against a full listing, then tail the feed. A
// closed channel is an error so the supervisor resubscribes and the fresh
// convergence repairs whatever was missed.
func (e *Engine) runFeed(ctx context.Context) error {
	events, unsub := e.st.SubscribeDefinitions(feedBuffer)
	defer unsub()

	if err := e.converge(ctx); err != nil {
		return fmt.Errorf("converge: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("definitions feed closed")
			}
			e.apply(ev)
		}
	}
}

func (e *Engine) runResync(ctx context.Context) {
	ticker := time.NewTicker(e.resyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.converge(ctx); err != nil {
				e.log.Warn("periodic resync failed", logx.Err(err))
			}
		}
	}
}

// converge makes the cycle set match the store's full listing: new
// definitions get cycles, changed ones are replaced, gone ones cancelled.
func (e *Engine) converge(ctx context.Context) error {
	defs, err := e.st.ListDefinitions(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(defs))
	for _, def := range defs {
		live[def.ID] = true

		e.mu.Lock()
		cur, exists := e.cycles[def.ID]
		e.mu.Unlock()
		if exists && defEqual(cur.Definition(), def) {
			continue
		}
		e.replace(def)
	}

	e.mu.Lock()
	var gone []*Cycle
	for id, c := range e.cycles {
		if !live[id] {
			gone = append(gone, c)
			delete(e.cycles, id)
		}
	}
	e.mu.Unlock()
	for _, c := range gone {
		c.Cancel()
		e.log.Info("cycle cancelled, definition gone", logx.String("definition", c.ID()))
	}

	e.log.Debug("converged", logx.Int("definitions", len(defs)))
	return nil
}

func (e *Engine) apply(ev store.DefinitionEvent) {
	switch ev.Kind {
	case store.Added, store.Modified:
		// Completing a cycle publishes a Modified event the cycle has
		// already incorporated; skip the no-op replacement.
		e.mu.Lock()
		cur, ok := e.cycles[ev.Definition.ID]
		e.mu.Unlock()
		if ok && defEqual(cur.Definition(), ev.Definition) {
			return
		}
		e.replace(ev.Definition)
	case store.Removed:
		e.mu.Lock()
		c, ok := e.cycles[ev.Definition.ID]
		delete(e.cycles, ev.Definition.ID)
		e.mu.Unlock()
		if ok {
			c.Cancel()
			e.log.Info("cycle cancelled", logx.String("definition", ev.Definition.ID))
		}
	}
}

// replace installs a fresh cycle for the snapshot, cancelling any prior
// one first so a definition never has two armed timers. A burst of modify
// events therefore converges to exactly one armed cycle for the latest
// snapshot.
func (e *Engine) replace(def ledger.Definition) {
	next := newCycle(e.cycleCtx, def.ID, e.st, e.log, e.clock, e.newTimer, e.retryBackoff)

	e.mu.Lock()
	prev := e.cycles[def.ID]
	e.cycles[def.ID] = next
	e.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	if err := next.Schedule(def); err != nil {
		// Unschedulable (unknown term): keep the slot so a later fix via a
		// modify event replaces it, but nothing is armed.
		e.log.Error("definition not schedulable",
			logx.String("definition", def.ID),
			logx.String("term", def.Term.String()),
			logx.Err(err))
	}
}

func defEqual(a, b ledger.Definition) bool {
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.Amount == b.Amount &&
		a.Category == b.Category &&
		a.Description == b.Description &&
		a.Term == b.Term &&
		a.CyclesCompleted == b.CyclesCompleted &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.LastProcessed.Equal(b.LastProcessed) &&
		a.NextPayment.Equal(b.NextPayment)
}
