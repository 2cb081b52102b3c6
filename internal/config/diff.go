package config

import (
	"reflect"
	"sort"
	"strings"

	logx "timerd/pkg/logx"
)

// TimerChanges lists timer keys (see TimerKey) that differ between two configs.
type TimerChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c TimerChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging and (3) the per-timer changes.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TimerChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.reap_interval", strings.TrimSpace(newCfg.Scheduler.ReapInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
			logx.Int("engine.circuit_trip_failures", newCfg.Engine.CircuitTripFailures),
			logx.Any("engine.concurrency", newCfg.Engine.Concurrency),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	tc := DiffTimers(oldCfg.Timers, newCfg.Timers)
	if !tc.Empty() {
		changed = append(changed, "timers")
		attrs = append(attrs,
			logx.Int("timers.added", len(tc.Added)),
			logx.Int("timers.removed", len(tc.Removed)),
			logx.Int("timers.changed", len(tc.Changed)),
			logx.Int("timers.total", len(newCfg.Timers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tc
}

// DiffTimers compares two timer lists by TimerKey and HashTimer.
func DiffTimers(oldT, newT []TimerConfig) TimerChanges {
	oldM := make(map[string]uint64, len(oldT))
	for _, t := range oldT {
		oldM[TimerKey(t)] = HashTimer(t)
	}
	newM := make(map[string]uint64, len(newT))
	for _, t := range newT {
		newM[TimerKey(t)] = HashTimer(t)
	}

	var out TimerChanges
	for k, h := range newM {
		oh, ok := oldM[k]
		switch {
		case !ok:
			out.Added = append(out.Added, k)
		case oh != h:
			out.Changed = append(out.Changed, k)
		}
	}
	for k := range oldM {
		if _, ok := newM[k]; !ok {
			out.Removed = append(out.Removed, k)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}
