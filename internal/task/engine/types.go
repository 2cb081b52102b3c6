package engine

import (
	"context"
	"time"

	"timerd/internal/timer"
)

// Config controls the worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies to jobs whose task has no Timeout of its own.
	// 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// Circuit breaker, per timer. CircuitTripFailures < 0 disables it and
	// 0 means the default of 5 consecutive failed jobs.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration

	// GroupLimits caps concurrently running jobs per concurrency group.
	// Groups without a positive limit are unlimited.
	GroupLimits map[string]int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Runner is a task that runs itself once per commit.
type Runner interface {
	Run(ctx context.Context) error
}

// Attempter is a task that stays busy across retries: Begin once, Attempt
// one or more times, then End.
type Attempter interface {
	Begin() bool
	Attempt(ctx context.Context) error
	End()
}

// Aborter releases a prepared task that will never run.
type Aborter interface {
	Abort()
}

// Timeouter lets a task override Config.DefaultTimeout.
type Timeouter interface {
	Timeout() time.Duration
}

type job struct {
	id        string
	timerID   string
	timerName string
	taskName  string
	group     string
	task      timer.Task

	enqueuedAt time.Time
	timeout    time.Duration
}

type HistoryItem struct {
	ID         string        `json:"id"`
	TimerID    string        `json:"timer_id"`
	Task       string        `json:"task"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	TimerID    string        `json:"timer_id"`
	Task       string        `json:"task"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Committed uint64 `json:"committed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Noop      uint64 `json:"noop"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history,omitempty"`
}

// circuitKey identifies the breaker a job counts against. Jobs committed
// without a timer share one breaker per task name.
func (j job) circuitKey() string {
	if j.timerID != "" {
		return j.timerID
	}
	return "task:" + j.taskName
}
