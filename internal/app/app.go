// Package app wires the daemon together: configuration, logging, storage,
// the scheduler, the HTTP API, and metrics. It owns startup order, the
// config hot-reload fan-out, and shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"primed/internal/config"
	"primed/internal/eventbus"
	"primed/internal/metrics"
	"primed/internal/processor"
	"primed/internal/runtime/supervisor"
	"primed/internal/schedule"
	"primed/internal/server"
	"primed/internal/storage"
	"primed/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	met   *metrics.Metrics
	sched *schedule.Scheduler
	srv   *server.Server
	srvOn bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	if strings.TrimSpace(cfg.Processor.Binary) == "" {
		return nil, fmt.Errorf("processor.binary is required")
	}
	runner := processor.NewExecRunner(cfg.Processor, log)

	met := metrics.New()

	engine := schedule.NewCronEngine()
	registry := schedule.NewRegistry(engine, log.With(logx.String("comp", "registry")))
	statusStore := schedule.NewStatusStore()
	runLock := schedule.NewRunLock()

	// Jobs flagged use_vault_lock additionally serialize against this
	// workspace mutex, shared with any future non-scheduled writers.
	var vaultMu sync.Mutex

	worker := schedule.NewWorker(schedule.WorkerConfig{
		Lock:           runLock,
		VaultLock:      &vaultMu,
		Runner:         runner,
		Store:          statusStore,
		Audit:          &runAuditor{store: store},
		Bus:            bus,
		Log:            log,
		DefaultTimeout: cfg.Settings.DefaultTimeout(),
	})

	sched := schedule.NewScheduler(schedule.SchedulerConfig{
		Registry: registry,
		Store:    statusStore,
		Lock:     runLock,
		Worker:   worker,
		Bus:      bus,
		Log:      log,
		Tick:     cfg.Settings.TickInterval(),
	})
	sched.Apply(cfg)

	var srv *server.Server
	srvOn := cfg.Server.IsEnabled()
	if srvOn {
		srv = server.New(server.Config{
			Addr:        cfg.Server.ListenAddress(),
			Scheduler:   sched,
			Store:       store,
			Gatherer:    met.Gatherer(),
			Log:         log,
			ConfigError: cfgm.LastError,
		})
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		met:     met,
		sched:   sched,
		srv:     srv,
		srvOn:   srvOn,
	}, nil
}

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.sup.GoRestart("schedule.tick", a.sched.Run)

	if a.srvOn {
		a.sup.Go("http.serve", a.srv.Serve)
	}

	a.sup.Go("metrics.observe", func(c context.Context) error {
		return a.met.Observe(c, a.bus)
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	// Hot reload fan-out.
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
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("primed started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyReload(prev, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))
	a.sched.Apply(cfg)

	if prev != nil && !sameStorage(prev.Storage, cfg.Storage) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && (prev.Server.IsEnabled() != cfg.Server.IsEnabled() ||
		prev.Server.ListenAddress() != cfg.Server.ListenAddress()) {
		a.log.Warn("server config changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded", logx.Int("jobs", len(cfg.Jobs)))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runAuditor adapts the storage layer to the worker's audit hook.
// A nil store turns appends into no-ops.
type runAuditor struct {
	store storage.Store
}

func (a *runAuditor) AppendRun(ctx context.Context, rec schedule.RunRecord) error {
	if a.store == nil {
		return nil
	}
	return a.store.AppendRun(ctx, storage.RunEntry{
		RunID:      rec.RunID,
		JobID:      rec.JobID,
		Trigger:    string(rec.Trigger),
		Status:     string(rec.Status),
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		TookMS:     rec.Duration.Milliseconds(),
		CostUSD:    rec.CostUSD,
		Error:      rec.Error,
		Abandoned:  rec.ProcessorAbandoned,
	})
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func sameStorage(a, b *config.StorageConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: time.Duration(cfg.Storage.BusyTimeoutMS) * time.Millisecond,
	}, true
}

// validate rejects configs that must never be committed on hot reload.
// Per-job problems are not fatal here; the registry records them and keeps
// the valid jobs scheduling.
func validate(cfg *config.Config) error {
	if cfg.Settings.TickSeconds < 0 {
		return fmt.Errorf("settings.tick_seconds must be >= 0")
	}
	if cfg.Settings.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("settings.default_timeout_seconds must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", tz, err)
		}
	}
	if strings.TrimSpace(cfg.Processor.Binary) == "" {
		return fmt.Errorf("processor.binary is required")
	}
	return nil
}
