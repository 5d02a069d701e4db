// Package app wires the pipeline together: config, logging, storage,
// inventory, the lifecycle watcher, the listener/controller pair, the
// notification sink driver and the replay engine.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"appnotifier/internal/adapters/dbusnotify"
	"appnotifier/internal/adapters/telegram"
	"appnotifier/internal/config"
	"appnotifier/internal/eventbus"
	"appnotifier/internal/inventory"
	"appnotifier/internal/listener"
	"appnotifier/internal/notify"
	"appnotifier/internal/storage"
	"appnotifier/internal/taskq"
	"appnotifier/internal/watch"
	logx "appnotifier/pkg/logx"
)

// Build identifies the running daemon for the self-upgrade check at
// startup.
type Build struct {
	ID          string
	Version     int64
	VersionName string
}

type App struct {
	cfgPath string
	build   Build

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	inv     *inventory.Dir
	sink    notify.Sink
	ctl     *notify.Controller
	rp      *notify.Replayer
	runner  *taskq.Runner
	ln      *listener.Listener
	watcher *watch.Watcher
	cronner *cron.Cron

	startSink func(context.Context) error
}

func NewApp(cfgPath string, build Build) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
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

	bus := eventbus.New()

	store, err := openStore(cfg, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	inv := inventory.NewDir(cfg.Inventory.Dir)

	sink, startSink, err := buildSink(cfg, bus, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	opener := newExecOpener(cfg.Channel.ListingURL, cfg.Channel.DetailURL,
		log.With(logx.String("comp", "opener")))

	ctl := notify.NewController(store, inv, sink, opener, mapPolicy(cfg),
		log.With(logx.String("comp", "controller")))
	ctl.SetRateLimit(cfg.Sink.RatePerSec)

	runner := taskq.New(log.With(logx.String("comp", "taskq")))
	ln := listener.New(inv, ctl, runner, log.With(logx.String("comp", "listener")))

	debounce, err := cfg.InventoryDebounce()
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	watcher := watch.New(cfg.Inventory.Dir, debounce, inv, ln.Handle,
		log.With(logx.String("comp", "watch")))

	rp := notify.NewReplayer(store, ctl, log.With(logx.String("comp", "replay")))

	return &App{
		cfgPath:   cfgPath,
		build:     build,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		inv:       inv,
		sink:      sink,
		ctl:       ctl,
		rp:        rp,
		runner:    runner,
		ln:        ln,
		watcher:   watcher,
		startSink: startSink,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if a.startSink != nil {
		if err := a.startSink(a.sup.Context()); err != nil {
			return err
		}
	}

	// Seed the dedup cache before the watcher runs so pre-existing
	// entities are never re-announced.
	if err := a.ln.Seed(ctx); err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}

	// Reconstruct outstanding alerts from the history store; also emits
	// the daemon's own "updated" alert when the build version advanced.
	self := inventory.Entity{
		ID:          a.build.ID,
		Label:       a.build.ID,
		Version:     a.build.Version,
		VersionName: a.build.VersionName,
		Provenance:  inventory.ProvenanceChannel,
	}
	if err := a.rp.Startup(ctx, self); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	a.sup.GoRestart("inventory.watch", func(c context.Context) error {
		return a.watcher.Run(c)
	})

	a.startFeedbackRouting()
	a.startConfigReload()
	if err := a.startReconcile(); err != nil {
		return err
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started",
		logx.String("inventory", a.inv.Path()),
		logx.Int64("version", a.build.Version))
	return nil
}

// startFeedbackRouting pumps click/dismiss feedback from the sink back
// into the controller, serialized per alert id on the keyed runner.
func (a *App) startFeedbackRouting() {
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("feedback.route", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fb, isFB := e.Data.(eventbus.AlertFeedback)
				if !isFB || fb.AlertID == "" {
					continue
				}
				typ := e.Type
				a.runner.Submit(fb.AlertID, func() {
					if err := a.routeFeedback(context.Background(), typ, fb.AlertID); err != nil {
						a.log.Error("feedback handling failed",
							logx.String("alert", fb.AlertID),
							logx.String("type", typ),
							logx.Err(err))
					}
				})
			}
		}
	})
}

func (a *App) routeFeedback(ctx context.Context, typ, alertID string) error {
	switch typ {
	case eventbus.TypeAlertClicked:
		switch alertID {
		case notify.UpdateAlertID:
			return a.ctl.UpdateAlertClicked(ctx)
		case notify.InstallSummaryID:
			return nil
		default:
			return a.ctl.InstallAlertClicked(ctx, alertID)
		}
	case eventbus.TypeAlertDismissed:
		switch alertID {
		case notify.UpdateAlertID:
			return a.ctl.UpdateAlertDismissed(ctx)
		case notify.InstallSummaryID:
			return nil
		default:
			return a.ctl.InstallAlertDismissed(ctx, alertID)
		}
	}
	return nil
}

// startConfigReload applies hot-reloadable sections (policy, logging,
// sink rate) when the config file changes. Inventory, sink driver and
// storage changes require a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, s := range sections {
					switch s {
					case "inventory", "sink", "storage":
						a.log.Warn("config section changed; restart required",
							logx.String("section", s))
					}
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				a.ctl.SetPolicy(mapPolicy(newCfg))
				a.ctl.SetRateLimit(newCfg.Sink.RatePerSec)

				fields := append([]logx.Field{
					logx.String("changed", strings.Join(sections, ",")),
				}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

// startReconcile schedules the periodic stale-entry sweep.
func (a *App) startReconcile() error {
	cfg := a.cfgm.Get()
	sched := strings.TrimSpace(cfg.Reconcile.Schedule)
	if sched == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(sched, func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		if err := a.rp.Reconcile(ctx); err != nil {
			a.log.Warn("reconcile sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("reconcile.schedule: %w", err)
	}
	c.Start()
	a.cronner = c
	a.log.Info("reconcile sweep scheduled", logx.String("schedule", sched))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded stop steps so one component can't stall shutdown.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("reconcile", 2*time.Second, func(c context.Context) error {
		if a.cronner != nil {
			stopped := a.cronner.Stop()
			select {
			case <-stopped.Done():
			case <-c.Done():
				return c.Err()
			}
		}
		return nil
	})
	step("taskq", 3*time.Second, func(c context.Context) error {
		a.runner.Close()
		return a.runner.Drain(c)
	})
	step("storage", 1*time.Second, func(context.Context) error {
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapPolicy(cfg *config.Config) notify.Policy {
	style := notify.TextOriginal
	if strings.TrimSpace(cfg.Policy.TextStyle) == config.TextStyleEnhanced {
		style = notify.TextEnhanced
	}
	return notify.Policy{
		NotifyInstalls: cfg.Policy.NotifyInstalls,
		NotifyUpdates:  cfg.Policy.NotifyUpdates,
		TrustChannel:   cfg.Policy.TrustChannel,
		TrustOthers:    cfg.Policy.TrustOthers,
		TextStyle:      style,
	}
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	if cfg.Storage == nil {
		log.Warn("no storage configured; history will not survive restarts")
		return storage.NewMemory(), nil
	}
	busy, err := cfg.StorageBusyTimeout()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))
	return st, nil
}

func buildSink(cfg *config.Config, bus eventbus.Bus, log logx.Logger) (notify.Sink, func(context.Context) error, error) {
	driver := strings.TrimSpace(cfg.Sink.Driver)
	switch driver {
	case "", config.SinkDriverDBus:
		s, err := dbusnotify.New(bus, log.With(logx.String("comp", "dbus")))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Start, nil
	case config.SinkDriverTelegram:
		tg := cfg.Sink.Telegram
		poll, err := cfg.TelegramPollTimeout()
		if err != nil {
			return nil, nil, err
		}
		s, err := telegram.New(telegram.Config{
			Token:       tg.Token,
			ChatID:      tg.ChatID,
			PollTimeout: poll,
		}, bus, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, nil, err
		}
		start := func(ctx context.Context) error {
			s.Start(ctx)
			return nil
		}
		return s, start, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink.driver: %s", driver)
	}
}
