package app

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"timerd/internal/config"
	"timerd/internal/observability/debug"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	timeout, err := config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		Workers:             ec.Workers,
		QueueSize:           ec.QueueSize,
		DefaultTimeout:      timeout,
		HistorySize:         ec.HistorySize,
		RetryMax:            ec.RetryMax,
		CircuitTripFailures: ec.CircuitTripFailures,
	}
	for _, f := range []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"engine.circuit_base_delay", ec.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"engine.circuit_max_delay", ec.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"engine.circuit_reset_after", ec.CircuitResetAfter, &out.CircuitResetAfter},
	} {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return engine.Config{}, err
		}
	}
	if errs := config.CheckLimits("engine.concurrency", ec.Concurrency); len(errs) > 0 {
		return engine.Config{}, errs[0]
	}
	if len(ec.Concurrency) > 0 {
		out.GroupLimits = maps.Clone(ec.Concurrency)
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	reap, err := config.ParseDurationOrDefault("scheduler.reap_interval", cfg.Scheduler.ReapInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		TickInterval: tick,
		ReapInterval: reap,
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Pprof:         cfg.Debug.Pprof,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
