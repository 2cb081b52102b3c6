package timer

import (
	"time"
)

// State is the run state of a Timer.
type State int32

const (
	Running State = iota
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// TaskState is the observable state of a Task.
//
// The scheduler only distinguishes TaskIdle from everything else.
type TaskState int32

const (
	TaskIdle TaskState = iota
	// TaskReady means the task was prepared and handed to a committer but has not started yet.
	TaskReady
	TaskRunning
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "Idle"
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// Outcome is the result of one Schedule call.
type Outcome int

const (
	Dispatched Outcome = iota
	SkippedPaused
	SkippedMisconfigured
	SkippedOutOfWindow
	SkippedBusy
	SkippedNoMatch
)

var outcomeNames = [...]string{
	Dispatched:           "dispatched",
	SkippedPaused:        "skipped_paused",
	SkippedMisconfigured: "skipped_misconfigured",
	SkippedOutOfWindow:   "skipped_out_of_window",
	SkippedBusy:          "skipped_busy",
	SkippedNoMatch:       "skipped_no_match",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Outcomes lists every Outcome value, in declaration order.
func Outcomes() []Outcome {
	return []Outcome{Dispatched, SkippedPaused, SkippedMisconfigured, SkippedOutOfWindow, SkippedBusy, SkippedNoMatch}
}

// ContextHolder is opaque correlation state shared by a Timer's Matcher and Task.
//
// Implementations that also implement Cloner get a disposable copy during
// forecasting, so simulated Match calls never touch the live state.
type ContextHolder interface{}

// Cloner is implemented by context holders that can produce an independent copy.
type Cloner interface {
	Clone() ContextHolder
}

// Matcher decides whether a fire event happened in (lastFire, now].
//
// Match must depend only on its arguments and must return quickly: it runs
// inside the Timer's scheduling lock.
type Matcher interface {
	Match(lastFire, now time.Time, ctx ContextHolder) bool
	// IsTimeToClear reports that the schedule can never fire again.
	IsTimeToClear() bool
}

// Task is the unit of work dispatched by a Timer.
type Task interface {
	State() TaskState
	// Prepare is called exactly once per successful match, before Commit.
	Prepare(ctx ContextHolder)
}

// Committer receives ready tasks and executes them. Commit should hand off
// quickly; it runs while the Timer holds its scheduling lock.
type Committer interface {
	Commit(task Task, t *Timer)
}

// CommitterFunc adapts a function to Committer.
type CommitterFunc func(task Task, t *Timer)

func (f CommitterFunc) Commit(task Task, t *Timer) { f(task, t) }

// Sink receives a structured description of a Timer.
// Format-specific encoders (JSON, YAML, ...) live outside this package.
type Sink interface {
	Set(key string, value any)
	Child(key string) Sink
}

// Describer is implemented by collaborators that can describe themselves.
type Describer interface {
	Describe(sink Sink)
}
