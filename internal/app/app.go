// Package app wires the processor together: config, logging, store, the
// timer engine, the budget watcher, the optional sweep and alert delivery.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/Chamikara1/cashpilot/internal/budget"
	"github.com/Chamikara1/cashpilot/internal/config"
	"github.com/Chamikara1/cashpilot/internal/notify"
	rtsup "github.com/Chamikara1/cashpilot/internal/runtime/supervisor"
	"github.com/Chamikara1/cashpilot/internal/schedule"
	"github.com/Chamikara1/cashpilot/internal/store"
	"github.com/Chamikara1/cashpilot/internal/sweep"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   store.Store
	engine  *schedule.Engine
	watcher *budget.Watcher
	sweeper *sweep.Service
	deliver *notify.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	var deliver *notify.Service
	var alertFn budget.AlertFunc
	if cfg.Notify.Enabled {
		sender, err := notify.NewTelegramSender(notify.TelegramConfig{
			Token:  cfg.Notify.Token,
			ChatID: cfg.Notify.ChatID,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		retryBase, _ := config.ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
		retryMaxDelay, _ := config.ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
		deliver = notify.New(notify.Config{
			Enabled:       true,
			Workers:       cfg.Notify.Workers,
			QueueSize:     cfg.Notify.QueueSize,
			RatePerSec:    cfg.Notify.RatePerSec,
			RetryMax:      cfg.Notify.RetryMax,
			RetryBase:     retryBase,
			RetryMaxDelay: retryMaxDelay,
		}, sender, log)
		alertFn = deliver.AlertFunc()
	}

	retryBackoff, err := config.ParseDurationOrDefault("engine.retry_backoff", cfg.Engine.RetryBackoff, 5*time.Second)
	if err != nil {
		return nil, err
	}
	resync, err := config.ParseDurationOrDefault("engine.resync_interval", cfg.Engine.ResyncInterval, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	engine := schedule.NewEngine(st, log,
		schedule.WithRetryBackoff(retryBackoff),
		schedule.WithResyncInterval(resync))

	var watcherOpts []budget.WatcherOption
	if alertFn != nil {
		watcherOpts = append(watcherOpts, budget.WithAlertFunc(alertFn))
	}
	watcher := budget.NewWatcher(st, log, watcherOpts...)

	sweepEvery, err := config.ParseDurationOrDefault("sweep.every", cfg.Sweep.Every, time.Minute)
	if err != nil {
		return nil, err
	}
	sweeper := sweep.New(st, log, sweep.Config{
		Enabled: cfg.Sweep.Enabled,
		Every:   sweepEvery,
	})

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   st,
		engine:  engine,
		watcher: watcher,
		sweeper: sweeper,
		deliver: deliver,
	}, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if a.deliver != nil {
		if err := a.deliver.Start(runCtx); err != nil {
			return err
		}
	}
	if err := a.watcher.Start(runCtx); err != nil {
		return err
	}
	if err := a.engine.Start(runCtx); err != nil {
		return err
	}
	if err := a.sweeper.Start(runCtx); err != nil {
		return err
	}

	// Config watch: reloads only re-apply what is hot-swappable (logging).
	// Everything else takes effect on restart.
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyLoop)

	a.log.Info("cashpilot started")
	return nil
}

func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(2)
	defer a.cfgm.Unsubscribe(sub)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			prev = cfg
		}
	}
}

// Stop shuts services down in reverse start order and closes the store.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.sweeper != nil {
		errs = append(errs, a.sweeper.Stop(ctx))
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Stop(ctx))
	}
	if a.watcher != nil {
		errs = append(errs, a.watcher.Stop(ctx))
	}
	if a.deliver != nil {
		errs = append(errs, a.deliver.Stop(ctx))
	}
	if a.sup != nil {
		errs = append(errs, a.sup.Stop(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	a.log.Info("cashpilot stopped")
	return errors.Join(errs...)
}
