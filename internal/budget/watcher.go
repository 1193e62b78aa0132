// Package budget watches the transactions change feed and keeps budget
// goals' recorded progress current, writing an alert notification whenever
// the usage crosses a threshold boundary.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Chamikara1/cashpilot/internal/ledger"
	rtsup "github.com/Chamikara1/cashpilot/internal/runtime/supervisor"
	"github.com/Chamikara1/cashpilot/internal/store"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

// WatcherStore is the slice of the store the watcher needs.
type WatcherStore interface {
	SubscribeTransactions(buffer int) (<-chan store.TransactionEvent, func())
	GoalsFor(ctx context.Context, userID, category string) ([]ledger.Goal, error)
	GetGoal(ctx context.Context, id string) (ledger.Goal, bool, error)
	SpentInWindow(ctx context.Context, userID, category string, from, to time.Time) (float64, error)
	UpdateGoalProgress(ctx context.Context, id string, progress, spent float64) error
	WriteNotification(ctx context.Context, n ledger.Notification) (string, error)
}

// AlertFunc receives every stored notification, for out-of-band delivery.
type AlertFunc func(n ledger.Notification)

const (
	feedBuffer = 64

	// dedupWindow suppresses a repeat of the same (goal, threshold) alert.
	dedupWindow = time.Hour

	// minProgressDelta is the change below which a transaction modification
	// is considered noise and not re-evaluated.
	minProgressDelta = 0.01

	feedRestartMin = 2 * time.Second
	feedRestartMax = 30 * time.Second
)

// Watcher consumes the transactions feed. Every relevant event triggers a
// full spend recompute for each matching goal, so the recorded progress
// self-heals from any previously missed event.
type Watcher struct {
	st    WatcherStore
	log   logx.Logger
	sup   *rtsup.Supervisor
	alert AlertFunc
	now   func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time // "goalID:threshold"
}

type WatcherOption func(*Watcher)

// WithAlertFunc registers a delivery hook called after each stored alert.
func WithAlertFunc(fn AlertFunc) WatcherOption { return func(w *Watcher) { w.alert = fn } }

// WithNowFunc substitutes the clock. Tests only.
func WithNowFunc(fn func() time.Time) WatcherOption { return func(w *Watcher) { w.now = fn } }

func NewWatcher(st WatcherStore, log logx.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		st:        st,
		log:       log.With(logx.String("component", "budget")),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Watcher) Start(ctx context.Context) error {
	if w.st == nil {
		return errors.New("budget: nil store")
	}
	w.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(w.log))
	w.sup.GoRestart("transactions.feed", w.run,
		rtsup.WithRestartBackoff(feedRestartMin, feedRestartMax))
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	if w.sup == nil {
		return nil
	}
	return w.sup.Stop(ctx)
}

func (w *Watcher) run(ctx context.Context) error {
	events, unsub := w.st.SubscribeTransactions(feedBuffer)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("transactions feed closed")
			}
			w.handle(ctx, ev)
		}
	}
}

// handle recomputes progress for every goal the transaction's
// (user, category, date) lands in. Malformed records are skipped.
func (w *Watcher) handle(ctx context.Context, ev store.TransactionEvent) {
	txn := ev.Transaction
	if err := txn.Validate(); err != nil {
		w.log.Warn("skipping malformed transaction",
			logx.String("transaction", txn.ID), logx.Err(err))
		return
	}

	goals, err := w.st.GoalsFor(ctx, txn.UserID, txn.Category)
	if err != nil {
		w.log.Error("goal lookup failed",
			logx.String("transaction", txn.ID), logx.Err(err))
		return
	}

	for _, g := range goals {
		if err := g.Validate(); err != nil {
			w.log.Warn("skipping malformed goal", logx.String("goal", g.ID), logx.Err(err))
			continue
		}
		if !g.Contains(txn.Date) {
			continue
		}
		w.evaluate(ctx, g.ID, ev.Kind)
	}
}

// evaluate recomputes one goal's spend from scratch, records the new
// progress and emits an alert if a threshold boundary was crossed.
func (w *Watcher) evaluate(ctx context.Context, goalID string, kind store.ChangeKind) {
	goal, ok, err := w.st.GetGoal(ctx, goalID)
	if err != nil {
		w.log.Error("goal re-read failed", logx.String("goal", goalID), logx.Err(err))
		return
	}
	if !ok {
		w.log.Warn("goal vanished during evaluation", logx.String("goal", goalID))
		return
	}

	spent, err := w.st.SpentInWindow(ctx, goal.UserID, goal.Category, goal.CreatedAt, goal.DueDate)
	if err != nil {
		w.log.Error("spend recompute failed", logx.String("goal", goalID), logx.Err(err))
		return
	}

	// Progress is deliberately uncapped so overspend stays visible.
	progress := spent / goal.Amount
	previous := goal.LastProgress

	if kind == store.Modified && math.Abs(progress-previous) < minProgressDelta {
		if w.log.Enabled(logx.LevelDebug) {
			w.log.Debug("progress change below threshold, skipping",
				logx.String("goal", goalID), logx.Float64("progress", progress))
		}
		return
	}

	if err := w.st.UpdateGoalProgress(ctx, goalID, progress, spent); err != nil {
		w.log.Error("progress update failed", logx.String("goal", goalID), logx.Err(err))
		return
	}
	w.log.Info("goal progress updated",
		logx.String("goal", goalID),
		logx.Float64("spent", spent),
		logx.Float64("progress", progress))

	crossed := DetectCrossing(previous, progress)
	if crossed == ThresholdNone {
		return
	}
	w.notify(ctx, goal, crossed, spent, progress)
}

func (w *Watcher) notify(ctx context.Context, goal ledger.Goal, crossed Threshold, spent, progress float64) {
	key := goal.ID + ":" + string(crossed)
	now := w.now()

	w.mu.Lock()
	if last, ok := w.lastAlert[key]; ok && now.Sub(last) < dedupWindow {
		w.mu.Unlock()
		w.log.Info("suppressing duplicate alert",
			logx.String("goal", goal.ID),
			logx.String("threshold", string(crossed)),
			logx.Duration("since_last", now.Sub(last)))
		return
	}
	w.lastAlert[key] = now
	for k, at := range w.lastAlert {
		if now.Sub(at) >= dedupWindow {
			delete(w.lastAlert, k)
		}
	}
	w.mu.Unlock()

	n := ledger.Notification{
		UserID:       goal.UserID,
		GoalID:       goal.ID,
		GoalName:     goal.Name,
		Message:      alertMessage(goal, crossed, spent, progress),
		Progress:     progress,
		AmountSpent:  spent,
		BudgetAmount: goal.Amount,
		Type:         ledger.NotificationTypeBudgetAlert,
		Threshold:    string(crossed),
		CreatedAt:    now,
	}
	id, err := w.st.WriteNotification(ctx, n)
	if err != nil {
		// Not retried; the next crossing produces a fresh alert.
		w.log.Error("notification write failed", logx.String("goal", goal.ID), logx.Err(err))
		return
	}
	n.ID = id
	w.log.Info("budget alert stored",
		logx.String("goal", goal.ID),
		logx.String("threshold", string(crossed)),
		logx.String("message", n.Message))
	if w.alert != nil {
		w.alert(n)
	}
}

func alertMessage(goal ledger.Goal, crossed Threshold, spent, progress float64) string {
	left := math.Max(goal.Amount-spent, 0)
	exceeded := math.Max(spent-goal.Amount, 0)
	pct := math.Round(progress * 100)

	switch crossed {
	case ThresholdReached75:
		return fmt.Sprintf("You've reached 75%% of your %s budget (LKR %.2f spent). Only LKR %.2f left.",
			goal.Name, spent, left)
	case ThresholdReached100:
		return fmt.Sprintf("Budget reached for %s! You've spent LKR %.2f of your LKR %.2f budget.",
			goal.Name, spent, goal.Amount)
	case ThresholdAbove100:
		return fmt.Sprintf("Warning! You've significantly exceeded your %s budget by LKR %.2f. You've spent LKR %.2f, which is %.0f%% of your LKR %.2f budget.",
			goal.Name, exceeded, spent, pct, goal.Amount)
	case ThresholdUnder75:
		return fmt.Sprintf("Your %s budget is now under 75%% usage. You have %.0f%% left (LKR %.2f).",
			goal.Name, 100-pct, left)
	case ThresholdUnder100:
		return fmt.Sprintf("Your %s budget is now under 100%% usage. You have LKR %.2f left.",
			goal.Name, left)
	}
	return ""
}
