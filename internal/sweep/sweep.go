// Package sweep is the interval-driven delivery mode: instead of per-cycle
// timers it periodically collects every overdue definition and materializes
// the whole batch in one store transaction. Off by default; the timer engine
// is the primary mode.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Chamikara1/cashpilot/internal/ledger"
	"github.com/Chamikara1/cashpilot/internal/schedule"
	"github.com/Chamikara1/cashpilot/internal/store"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

// SweepStore is the slice of the store the sweep needs.
type SweepStore interface {
	DueDefinitions(ctx context.Context, now time.Time) ([]ledger.Definition, error)
	CompleteCycleBatch(ctx context.Context, cs []store.CycleCompletion) (int, error)
}

type Config struct {
	Enabled bool
	Every   time.Duration
}

func (c Config) interval() time.Duration {
	if c.Every <= 0 {
		return time.Minute
	}
	return c.Every
}

// Service runs one sweep per tick.
type Service struct {
	st  SweepStore
	log logx.Logger
	cfg Config
	now func() time.Time

	cron *cron.Cron
	ctx  context.Context
}

type Option func(*Service)

// WithNowFunc substitutes the clock. Tests only.
func WithNowFunc(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

func New(st SweepStore, log logx.Logger, cfg Config, opts ...Option) *Service {
	s := &Service{
		st:  st,
		log: log.With(logx.String("component", "sweep")),
		cfg: cfg,
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("sweep disabled")
		return nil
	}
	if s.st == nil {
		return errors.New("sweep: nil store")
	}
	s.ctx = ctx
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))
	spec := fmt.Sprintf("@every %s", s.cfg.interval())
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("sweep: schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.log.Info("sweep started", logx.Duration("every", s.cfg.interval()))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) tick() {
	if err := s.RunOnce(s.ctx); err != nil {
		s.log.Error("sweep failed", logx.Err(err))
	}
}

// RunOnce materializes every currently overdue definition as one atomic
// batch. Definitions whose term no longer parses are skipped with a warning
// rather than poisoning the batch.
func (s *Service) RunOnce(ctx context.Context) error {
	now := s.now()
	due, err := s.st.DueDefinitions(ctx, now)
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}
	if len(due) == 0 {
		s.log.Debug("nothing due")
		return nil
	}

	batch := make([]store.CycleCompletion, 0, len(due))
	for _, def := range due {
		next, err := schedule.NextOccurrence(now, def.Term)
		if err != nil {
			s.log.Warn("skipping definition",
				logx.String("definition", def.ID),
				logx.String("term", def.Term.String()),
				logx.Err(err))
			continue
		}
		batch = append(batch, store.CycleCompletion{
			DefinitionID: def.ID,
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
		})
	}
	if len(batch) == 0 {
		return nil
	}

	n, err := s.st.CompleteCycleBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	s.log.Info("sweep processed", logx.Int("due", len(due)), logx.Int("done", n))
	return nil
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, logx.Any("detail", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, logx.Err(err), logx.Any("detail", kv))
}
