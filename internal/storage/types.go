package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultMaxRecords bounds the journal when Config.MaxRecords is 0.
const DefaultMaxRecords = 10000

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRecords is the number of journal entries kept after compaction.
	MaxRecords int
}

// Dispatch results.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// DispatchRecord is one journal entry. Keep it compact and schema-stable.
type DispatchRecord struct {
	JobID      string        `json:"job_id"`
	TimerID    string        `json:"timer_id"`
	TimerName  string        `json:"timer_name,omitempty"`
	Task       string        `json:"task,omitempty"`
	Result     string        `json:"result"`
	Enqueued   time.Time     `json:"enqueued"`
	Started    time.Time     `json:"started,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Store is the journal API used by the engine and the CLI.
type Store interface {
	AppendDispatch(ctx context.Context, r DispatchRecord) error
	// RecentDispatches returns up to limit records, newest first. An empty
	// timerID matches every timer.
	RecentDispatches(ctx context.Context, timerID string, limit int) ([]DispatchRecord, error)
	Close() error
}
