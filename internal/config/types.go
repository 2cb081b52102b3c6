package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Debug   DebugConfig   `json:"debug,omitempty"`

	// Scheduler controls the tick driver and the reaper.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls execution of dispatched tasks.
	Engine EngineConfig `json:"engine"`

	// Storage is the optional dispatch journal. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Timers []TimerConfig `json:"timers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick driver.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - reap_interval: "1m"
//   - timezone: local time
type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	ReapInterval string `json:"reap_interval,omitempty"`
	// Timezone applies to cron-style matchers that don't carry their own TZ.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls the worker pool that runs dispatched tasks.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
//   - circuit_trip_failures: 5 (-1 disables the breaker)
//   - circuit_base_delay: "5s", circuit_max_delay: "2m", circuit_reset_after: "5m"
//   - concurrency: none (every group unlimited)
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	// A timer whose jobs fail circuit_trip_failures times in a row has
	// further dispatches dropped for a cooldown that doubles per failure.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`

	// Concurrency caps running jobs per group. A task's group is its
	// "group" option, else its module name ("exec", "http", ...).
	Concurrency map[string]int `json:"concurrency,omitempty"`
}

// StorageConfig controls the dispatch journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./timerd_journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional HTTP server exposing /metrics and pprof.
//
// Prefer binding to localhost (e.g. "127.0.0.1:6061").
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6061"
	Pprof   bool   `json:"pprof,omitempty"`
	// Token is required for a non-loopback Addr unless AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// TimerConfig declares one timer.
//
// From and To are RFC3339 timestamps. When both are omitted the timer is
// valid from load time for fifty years.
type TimerConfig struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Note   string `json:"note,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Paused bool   `json:"paused,omitempty"`

	Matcher ModuleConfig  `json:"matcher"`
	Task    ModuleConfig  `json:"task"`
	Context *ModuleConfig `json:"context,omitempty"`
}

// ModuleConfig names a registered implementation and its raw settings.
type ModuleConfig struct {
	Module string          `json:"module,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in a timer definition are
// caught at load and reload.
func (m *ModuleConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Module string          `json:"module,omitempty"`
		Config json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*m = ModuleConfig{Module: t.Module, Config: t.Config}
	return nil
}
