package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"timerd/internal/config"
	"timerd/internal/eventbus"
	"timerd/internal/factory"
	"timerd/internal/metrics"
	"timerd/internal/observability/debug"
	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	modules *factory.Registry
	units   systemd.Controller

	engine *engine.Service
	sched  *scheduler.Service
	debug  *debug.Service
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	metrics.Init()
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus, store)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	debugSvc := debug.New(mapDebugConfig(cfg), log.With(logx.String("comp", "debug")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		modules: factory.Builtin(),
		engine:  engineSvc,
		sched:   schedSvc,
		debug:   debugSvc,
	}, nil
}

func (a *App) Config() *config.Config               { return a.cfgm.Get() }
func (a *App) Scheduler() *scheduler.Service        { return a.sched }
func (a *App) Engine() *engine.Service              { return a.engine }
func (a *App) Debug() *debug.Service                { return a.debug }
func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) Modules() *factory.Registry           { return a.modules }
func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Supervisor() *rtsup.Supervisor        { return a.sup }
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate is the hot-reload gate: a config is committed only when every
// section maps and every timer builds.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	deps, err := factoryDeps(cfg, a.log, a.units)
	if err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if _, err := BuildTimers(a.modules, cfg, deps); err != nil {
		return err
	}
	return nil
}

// syncTimers reconciles the scheduler registry with cfg.
func (a *App) syncTimers(cfg *config.Config) (scheduler.SyncResult, error) {
	deps, err := factoryDeps(cfg, a.log.With(logx.String("comp", "task")), a.units)
	if err != nil {
		return scheduler.SyncResult{}, err
	}
	return a.sched.Sync(Definitions(a.modules, cfg, deps))
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.units = systemd.Open(a.sup.Context())

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// engine first so the first tick has somewhere to commit
	a.engine.Start(a.sup.Context())

	if _, err := a.syncTimers(a.cfgm.Get()); err != nil {
		a.sup.Cancel()
		a.engine.Stop(context.Background())
		return err
	}
	a.sched.Start(a.sup.Context())

	a.debug.Handle("/timers", http.HandlerFunc(a.serveTimers))
	a.debug.Handle("/engine", http.HandlerFunc(a.serveEngine))
	a.debug.Start(a.sup.Context())

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
				// Keep this debug-level to avoid noise for frequent timers.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = latest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	a.notify(daemon.SdNotifyReloading)
	defer a.notify(daemon.SdNotifyReady)

	sections, attrs, timers := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ec, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, sc)
	}

	if !timers.Empty() || oldCfg == nil || oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
		if _, err := a.syncTimers(newCfg); err != nil {
			a.log.Warn("timer sync incomplete", logx.Err(err))
		}
	}

	a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))

	a.log.Info("config reloaded", fields...)
}

// notify is a no-op outside systemd.
func (a *App) notify(state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	} else if ok {
		a.log.Trace("sd_notify sent", logx.String("state", state))
	}
}

func (a *App) serveTimers(w http.ResponseWriter, r *http.Request) {
	forecast := r.URL.Query().Get("forecast") != ""
	writeJSON(w, a.sched.Snapshot(r.Context(), forecast))
}

func (a *App) serveEngine(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.engine.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, err)
		}
	}

	// Scheduler first so nothing new is committed while the engine drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("units", 1*time.Second, func(context.Context) error {
		if a.units != nil {
			return a.units.Close()
		}
		return nil
	})
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so a single component
// can't stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return nil
	}
}
