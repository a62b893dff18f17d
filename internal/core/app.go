package core

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/forward"
	"relaybot/internal/runtime/supervisor"
	sessiontg "relaybot/internal/session/telegram"
	"relaybot/internal/services/reconcile"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	tgadapter "relaybot/internal/transport/telegram/adapter"
	"relaybot/pkg/logx"
)

// App wires configuration, storage, the forwarding pipeline and the control
// bot into one process.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	store   *storage.Store
	fwd     *forward.Service
	rec     *reconcile.Service
	cmdm    *CommandManager

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
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

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := tgadapter.New(tgadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	st, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	resolveDelay, err := config.ParseDurationOrDefault("forward.resolve_retry_delay", cfg.Forward.ResolveRetryDelay, 30*time.Second)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	provider := sessiontg.NewProvider(sessiontg.Config{PollTimeout: pollTimeout},
		log.With(logx.String("comp", "session")))
	fwd := forward.NewService(provider, st, forward.Options{
		Workers:         cfg.Forward.Workers,
		QueueSize:       cfg.Forward.QueueSize,
		ResolveAttempts: cfg.Forward.ResolveAttempts,
		ResolveDelay:    resolveDelay,
		RestoreBatch:    cfg.Forward.RestoreBatch,
		RatePerSec:      float64(cfg.Forward.RatePerSec),
	}, log.With(logx.String("comp", "forward")))

	recCfg := reconcile.Config{Enabled: true, Schedule: "@every 15m"}
	if cfg.Reconcile != nil {
		recCfg.Enabled = cfg.Reconcile.Enabled
		if cfg.Reconcile.Schedule != "" {
			recCfg.Schedule = cfg.Reconcile.Schedule
		}
	}
	rec := reconcile.New(recCfg, fwd, log.With(logx.String("comp", "reconcile")))

	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, cfg.Telegram.OwnerUserIDs, cfg.Telegram.AllowedUserIDs)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		store:   st,
		fwd:     fwd,
		rec:     rec,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
	}

	handlers := NewHandlers(fwd, cmdm, log.With(logx.String("comp", "handlers")))
	cmds, cbs := handlers.Commands()
	cmdm.Register(cmds, cbs)

	return a, nil
}

// Done is closed when the run context unwinds (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if cfg.Forward.Workers < 0 {
			return fmt.Errorf("forward.workers must be >= 0")
		}
		if cfg.Forward.QueueSize < 0 {
			return fmt.Errorf("forward.queue_size must be >= 0")
		}
		if _, err := config.ParseDurationField("forward.resolve_retry_delay", cfg.Forward.ResolveRetryDelay); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.fwd.Start(a.sup.Context())
	if err := a.fwd.Restore(a.sup.Context()); err != nil {
		a.log.Warn("restore incomplete", logx.Err(err))
	}

	if err := a.rec.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Publish the command menu once at startup; failure is cosmetic.
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.cmdm.MenuCommands()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	// Config hot reload: apply logging and access-list changes live. Pipeline
	// sizing changes require a restart and are only validated here.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, keeping only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.cmdm.SetAccessLists(newCfg.Telegram.OwnerUserIDs, newCfg.Telegram.AllowedUserIDs)
				a.log.Info("config reloaded")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops begin unwinding.
	a.sup.Cancel()

	// Each stop step gets an upper bound so one component cannot stall the
	// whole shutdown.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("reconcile", 2*time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	step("forward", 5*time.Second, func(c context.Context) error { return a.fwd.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
