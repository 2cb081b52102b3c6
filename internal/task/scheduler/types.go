package scheduler

import (
	"errors"
	"time"

	"timerd/internal/task/engine"
	"timerd/internal/timer"
)

var (
	ErrNotFound = errors.New("timer not found")
	ErrExists   = errors.New("timer already registered")
)

// Config controls the tick driver and the reaper.
type Config struct {
	TickInterval time.Duration // default 1s
	ReapInterval time.Duration // default 1m
	// Timezone is informational; matchers carry their own location.
	Timezone string
	// ErrorLogEvery throttles repeated error lines per timer. Default 1m.
	ErrorLogEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.ErrorLogEvery <= 0 {
		c.ErrorLogEvery = time.Minute
	}
	return c
}

// Definition is one desired timer for Sync. Key must equal the id of the
// timer Build returns. Hash changes whenever the definition does.
type Definition struct {
	Key   string
	Hash  uint64
	Build func() (*timer.Timer, error)
}

// SyncResult lists the timer ids touched by Sync.
type SyncResult struct {
	Added    []string `json:"added,omitempty"`
	Replaced []string `json:"replaced,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Failed   []string `json:"failed,omitempty"`
}

// TickReport counts the outcomes of one pass over the registry.
type TickReport struct {
	Outcomes map[timer.Outcome]int
	Panics   int
	// Retired counts snapshot timers replaced or removed before their turn.
	Retired int
}

// Dispatched is a shortcut for Outcomes[timer.Dispatched].
func (r TickReport) Dispatched() int { return r.Outcomes[timer.Dispatched] }

// EngineSnapshotter is implemented by committers that expose diagnostics.
type EngineSnapshotter interface {
	Snapshot() engine.Snapshot
}

type TimerInfo struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Note        string     `json:"note,omitempty" yaml:"note,omitempty"`
	State       string     `json:"state" yaml:"state"`
	TaskState   string     `json:"task_state" yaml:"task_state"`
	LastFire    time.Time  `json:"last_fire" yaml:"last_fire"`
	From        time.Time  `json:"from,omitzero" yaml:"from,omitempty"`
	To          time.Time  `json:"to,omitzero" yaml:"to,omitempty"`
	Next        *time.Time `json:"next,omitempty" yaml:"next,omitempty"`
	TimeToClear bool       `json:"time_to_clear" yaml:"time_to_clear"`
}

type Snapshot struct {
	Running      bool             `json:"running" yaml:"running"`
	Timezone     string           `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	TickInterval time.Duration    `json:"tick_interval" yaml:"tick_interval"`
	ReapInterval time.Duration    `json:"reap_interval" yaml:"reap_interval"`
	Ticks        uint64           `json:"ticks" yaml:"ticks"`
	Reaped       uint64           `json:"reaped" yaml:"reaped"`
	Timers       []TimerInfo      `json:"timers" yaml:"timers"`
	Engine       *engine.Snapshot `json:"engine,omitempty" yaml:"engine,omitempty"`
}
