// Package notify delivers budget alerts out-of-band (Telegram). Delivery is
// best-effort: alerts are already persisted by the watcher before they reach
// this pipeline, so a drop here loses a ping, not a record.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Chamikara1/cashpilot/internal/budget"
	"github.com/Chamikara1/cashpilot/internal/ledger"
	rtsup "github.com/Chamikara1/cashpilot/internal/runtime/supervisor"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Sender delivers one rendered alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Service is an async delivery pipeline: bounded queue, worker pool, rate
// limit, bounded retry. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  Sender
	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan ledger.Notification
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:     log.With(logx.String("component", "notify")),
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return nil
	}
	if !s.cfg.Enabled || s.sender == nil {
		s.log.Debug("delivery disabled")
		return nil
	}

	s.queue = make(chan ledger.Notification, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		s.sup.Go0(name, func(ctx context.Context) {
			s.workerLoop(ctx, q)
		})
	}
	return nil
}

// Stop closes intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()

	// Wait for in-flight enqueues before closing, then let workers drain
	// what is already queued; the context is cancelled only if the drain
	// outlives the deadline.
	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		return err
	}
	return nil
}

// Notify enqueues one alert. Never blocks; a full queue drops with
// ErrQueueFull.
func (s *Service) Notify(n ledger.Notification) error {
	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	// The WaitGroup increment happens under the same lock that flips
	// accepting, so Stop cannot close q under an in-flight enqueue.
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("alert dropped, queue full", logx.String("goal", n.GoalID))
		return ErrQueueFull
	}
}

// AlertFunc adapts the service for the watcher's delivery hook.
func (s *Service) AlertFunc() budget.AlertFunc {
	return func(n ledger.Notification) { _ = s.Notify(n) }
}

func (s *Service) workerLoop(ctx context.Context, q <-chan ledger.Notification) {
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before giving up.
			for {
				select {
				case n, ok := <-q:
					if !ok {
						return
					}
					s.sendWithRetry(context.Background(), n)
				default:
					return
				}
			}
		case n, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, n)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, n ledger.Notification) {
	text := prefixFor(budget.Threshold(n.Threshold)) + n.Message
	maxAttempts := 1 + s.cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.log.Debug("alert delivered",
				logx.String("goal", n.GoalID),
				logx.String("threshold", n.Threshold))
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
	s.log.Error("alert delivery abandoned",
		logx.String("goal", n.GoalID), logx.Err(lastErr))
}

func prefixFor(t budget.Threshold) string {
	switch t {
	case budget.ThresholdAbove100:
		return "\U0001F6A8 "
	case budget.ThresholdReached100:
		return "⚠️ "
	case budget.ThresholdReached75:
		return "ℹ️ "
	default:
		return ""
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
