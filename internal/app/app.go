// Package app wires the publishing engine together from configuration and
// owns its start, hot reload and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"postflow/internal/api"
	"postflow/internal/config"
	"postflow/internal/conflict"
	"postflow/internal/connections"
	"postflow/internal/eventbus"
	"postflow/internal/metrics"
	"postflow/internal/orchestrator"
	"postflow/internal/platform"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/scheduler"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	"postflow/internal/task/trigger"
	logx "postflow/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopCommand    StopReason = "command"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	reg    *platform.Registry
	static *connections.Static
	dir    connections.Directory
	orch   *orchestrator.Orchestrator

	engine  *engine.Service
	trigger *trigger.Service
	sched   *scheduler.Service
	http    *api.Server
}

// New loads the config at cfgPath and builds every component without starting
// background work.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))
	a, err := build(cfgm, cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	bus := eventbus.New()
	m := metrics.New()

	sc, err := cfg.Storage.Store()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	log.Info("storage ready", logx.String("driver", driver))

	reg, err := buildRegistry(cfg, m, log.With(logx.String("comp", "platform")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if len(reg.Platforms()) == 0 {
		log.Warn("no platforms enabled; every publish will fail")
	}

	static := connections.NewStatic(cfg.StaticConnections())
	dir := connections.Chain{static, store}

	orch := orchestrator.New(dir, reg, orchestrator.Options{
		Audit:   store,
		Bus:     bus,
		Metrics: m,
		Log:     log,
	})

	ccfg, err := cfg.Conflict.Resolver()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engCfg, err := cfg.Engine()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	schedCfg, err := cfg.Scheduler.Sched()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	eng := engine.New(engCfg, log, bus)
	trg := trigger.New(eng, loc, log)
	sched := scheduler.New(schedCfg, scheduler.Options{
		Store:     store,
		Resolver:  conflict.New(store, ccfg),
		Exec:      orch,
		Directory: dir,
		Registry:  reg,
		Engine:    eng,
		Trigger:   trg,
		Bus:       bus,
		Metrics:   m,
		Log:       log,
	})

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		reg:     reg,
		static:  static,
		dir:     dir,
		orch:    orch,
		engine:  eng,
		trigger: trg,
		sched:   sched,
	}
	a.http = api.NewServer(api.New(api.Deps{
		Publisher: orch,
		Items:     sched,
		Health:    a.connectionHealth,
		Metrics:   m.Handler(),
		Ready:     a.ready,
		Profiler:  cfg.HTTP.Profiler,
		Log:       log,
	}), log)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *App) Logger() logx.Logger { return a.log }

// HTTPAddr is the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) connectionHealth(ctx context.Context, userID string) ([]connections.Health, error) {
	return connections.CheckHealth(ctx, a.dir, a.reg, userID, nil)
}

func (a *App) ready(context.Context) error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("shutting down")
	}
	if a.engine.Enabled() && !a.engine.Running() {
		return errors.New("task engine not running")
	}
	return nil
}

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the engine, the periodic jobs, the API and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return errors.Join(config.Validate(cfg), validatePlatforms(cfg))
	})
	cfg := a.cfgm.Get()
	runCtx := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	} else {
		a.log.Warn("task engine disabled; retractions run inline")
	}
	if cfg.Scheduler.Enabled {
		if !a.engine.Enabled() {
			return errors.New("scheduler.enabled requires task_engine.enabled")
		}
		if err := a.sched.Start(runCtx); err != nil {
			return err
		}
		a.trigger.Start(runCtx)
	}

	srvCfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.http.Apply(runCtx, srvCfg); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Strings("platforms", platformNames(a.reg)))
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "platforms", "conflict":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(next.Logging.Logx())
	a.static.Replace(next.StaticConnections())

	if engCfg, err := next.Engine(); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if loc, err := next.Scheduler.Location(); err == nil {
		a.trigger.SetLocation(loc)
	}
	if sc, err := next.Scheduler.Sched(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
	}
	switch {
	case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
		a.sched.Stop(ctx)
		a.trigger.Stop(ctx)
		a.log.Info("scheduler disabled via config")
	case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		} else {
			a.trigger.Start(ctx)
			a.log.Info("scheduler enabled via config")
		}
	}

	if srvCfg, err := serverConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Apply(ctx, srvCfg); err != nil {
		a.log.Error("http restart failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// SweepOnce recovers stuck items and runs one due sweep, then waits for
// background audit writes. It needs no started services.
func (a *App) SweepOnce(ctx context.Context) (recovered, swept scheduler.SweepReport, err error) {
	now := time.Now()
	if recovered, err = a.sched.RecoverStuck(ctx, now); err != nil {
		return recovered, swept, err
	}
	swept, err = a.sched.RunDueSweep(ctx, now)
	a.orch.Wait()
	return recovered, swept, err
}

// Stop shuts components down in reverse dependency order, giving each step
// a bounded share of ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 10*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		a.trigger.Stop(c)
		return nil
	})
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("audit", 5*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.orch.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func serverConfig(cfg *config.Config) (api.ServerConfig, error) {
	t, err := cfg.HTTP.Timeouts()
	if err != nil {
		return api.ServerConfig{}, err
	}
	return api.ServerConfig{
		Addr:            strings.TrimSpace(cfg.HTTP.Addr),
		ReadTimeout:     t.Read,
		WriteTimeout:    t.Write,
		IdleTimeout:     t.Idle,
		ShutdownTimeout: t.Shutdown,
	}, nil
}

func platformNames(reg *platform.Registry) []string {
	ids := reg.Platforms()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	slices.Sort(out)
	return out
}
