// Package app wires configuration, logging, storage and the delivery engine
// into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wagate/internal/config"
	"wagate/internal/eventbus"
	"wagate/internal/history"
	"wagate/internal/scheduler"
	"wagate/internal/storage"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	sender  transport.Transport
	tracker *history.Tracker
	engine  *scheduler.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option overrides a default dependency, mostly for embedding and tests.
type Option func(*App)

// WithTransport replaces the configured transport with a custom one, e.g. a
// real connection layer instead of the built-in dry run.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.sender = t }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	st, err := storage.Open(mapStorageConfig(cfgPath, cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tracker := history.NewTracker(st, log.With(logx.String("comp", "history")))

	engCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		tracker: tracker,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sender == nil {
		if !cfg.Transport.DryRun {
			log.Warn("no transport wired; falling back to dry-run deliveries")
		}
		a.sender = transport.DryRun(log.With(logx.String("comp", "transport")))
	}

	a.engine = scheduler.New(engCfg, st, a.sender, tracker, bus,
		log.With(logx.String("comp", "scheduler")))
	return a, nil
}

// Engine exposes the delivery engine for callers embedding the app.
func (a *App) Engine() *scheduler.Service { return a.engine }

// History exposes the history tracker.
func (a *App) History() *history.Tracker { return a.tracker }

// Bus exposes the in-process event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Start brings the daemon up: engine first, then startup recovery over every
// persisted session, then the config watcher and reload loop.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Validate the parts whose mapping can fail beyond Config.Validate.
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.engine.Start()
	reports, err := a.engine.ReconcileAll(runCtx)
	if err != nil {
		a.log.Error("startup reconcile failed", logx.Err(err))
	} else {
		var rearmed, fired int
		for _, r := range reports {
			rearmed += r.Rearmed
			fired += r.FiredNow
		}
		a.log.Info("startup recovery complete",
			logx.Int("sessions", len(reports)),
			logx.Int("rearmed", rearmed),
			logx.Int("fired_now", fired),
		)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	a.log.Info("wagate started", logx.String("config", a.cfgPath))
	return nil
}

// reloadLoop applies hot-reloaded configs. Logging applies live; engine and
// storage changes need a restart, which is logged rather than attempted.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest pending config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
					continue
				default:
				}
				break
			}

			if last == nil || cfg.Logging != last.Logging {
				a.logs.Apply(mapLoggingConfig(cfg))
				a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
			}
			if last != nil && cfg.Scheduler != last.Scheduler {
				a.log.Warn("scheduler config changed; restart required to take effect")
			}
			if last != nil && !storageEqual(cfg.Storage, last.Storage) {
				a.log.Warn("storage config changed; restart required to take effect")
			}
			last = cfg
		}
	}
}

// Stop shuts the daemon down: engine drain first, then background loops,
// then storage and log sinks.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.engine.Stop(ctx)
	a.wg.Wait()

	err := a.store.Close()
	a.log.Info("wagate stopped")
	_ = a.logs.Close()
	return err
}

// ---- config mapping ----

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfgPath string, cfg *config.Config) storage.Config {
	sc := storage.Config{Driver: "file", Path: filepath.Join(filepath.Dir(cfgPath), "wagate_store")}
	if cfg.Storage == nil {
		return sc
	}
	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" {
		sc.Driver = d
	}
	if p := strings.TrimSpace(cfg.Storage.Path); p != "" {
		sc.Path = p
	}
	if d, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err == nil {
		sc.BusyTimeout = d
	}
	return sc
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	fireTimeout, err := config.ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:    cfg.Scheduler.Timezone,
		Workers:     cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
		FireTimeout: fireTimeout,
		RatePerSec:  cfg.Scheduler.RatePerSec,
		CountryCode: cfg.Transport.CountryCode,
	}, nil
}

func storageEqual(a, b *config.StorageConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
