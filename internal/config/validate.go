package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that can be checked without the module registry:
// durations, the timezone, timer windows and duplicate ids.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.reap_interval", cfg.Scheduler.ReapInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if _, err := ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 || cfg.Engine.RetryMax < 0 || cfg.Engine.HistorySize < 0 {
		errs = append(errs, errors.New("engine: counts must be >= 0"))
	}
	for _, f := range []struct{ path, raw string }{
		{"engine.circuit_base_delay", cfg.Engine.CircuitBaseDelay},
		{"engine.circuit_max_delay", cfg.Engine.CircuitMaxDelay},
		{"engine.circuit_reset_after", cfg.Engine.CircuitResetAfter},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, CheckLimits("engine.concurrency", cfg.Engine.Concurrency)...)
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]int, len(cfg.Timers))
	for i, tc := range cfg.Timers {
		path := fmt.Sprintf("timers[%d]", i)
		if id := strings.TrimSpace(tc.ID); id != "" {
			if prev, dup := seen[id]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate id %q (also timers[%d])", path, id, prev))
			}
			seen[id] = i
		}
		from, err := ParseTimeField(path+".from", tc.From)
		if err != nil {
			errs = append(errs, err)
		}
		to, err := ParseTimeField(path+".to", tc.To)
		if err != nil {
			errs = append(errs, err)
		}
		if !from.IsZero() && !to.IsZero() && to.Before(from) {
			errs = append(errs, fmt.Errorf("%s: to is before from", path))
		}
		if strings.TrimSpace(tc.Task.Module) == "" {
			errs = append(errs, fmt.Errorf("%s.task.module: required", path))
		}
	}
	return errors.Join(errs...)
}

// LoadLocation resolves a timezone name; empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// TimerKey identifies a timer definition across reloads: its id when set,
// otherwise a content hash.
func TimerKey(tc TimerConfig) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	return fmt.Sprintf("#%016x", HashTimer(tc))
}
