// Package task provides the stock Task and ContextHolder implementations used
// by timerd timers.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"timerd/internal/timer"
)

// ErrNotPrepared is returned by Run when the task was not prepared by a timer.
var ErrNotPrepared = errors.New("task not prepared")

// RunFunc is the body of a Func task. h is the owning timer's context holder.
type RunFunc func(ctx context.Context, h timer.ContextHolder) error

// Func adapts a function to timer.Task.
//
// Lifecycle: Idle -> Prepare -> Ready -> Begin -> Running -> End -> Idle.
// Abort returns a Ready task to Idle when the committer drops it.
type Func struct {
	name string
	fn   RunFunc

	state atomic.Int32

	mu      sync.Mutex
	holder  timer.ContextHolder
	runs    uint64
	fails   uint64
	lastRun time.Time
	lastErr string
}

func NewFunc(name string, fn RunFunc) *Func {
	return &Func{name: name, fn: fn}
}

// Wrap adapts a plain function that ignores context and holder.
func Wrap(name string, fn func()) *Func {
	return NewFunc(name, func(context.Context, timer.ContextHolder) error {
		fn()
		return nil
	})
}

func (f *Func) Name() string { return f.name }

func (f *Func) State() timer.TaskState { return timer.TaskState(f.state.Load()) }

func (f *Func) Prepare(h timer.ContextHolder) {
	f.mu.Lock()
	f.holder = h
	f.mu.Unlock()
	f.state.Store(int32(timer.TaskReady))
}

// Abort releases a prepared task that will never run.
func (f *Func) Abort() {
	f.state.CompareAndSwap(int32(timer.TaskReady), int32(timer.TaskIdle))
}

// Begin moves a prepared task to Running. It reports false when the task
// was not prepared.
func (f *Func) Begin() bool {
	return f.state.CompareAndSwap(int32(timer.TaskReady), int32(timer.TaskRunning))
}

// Attempt runs the body once. Callers retrying a failed run call Attempt
// again between Begin and End, so the task never looks idle to its timer
// while a retry is pending.
func (f *Func) Attempt(ctx context.Context) error {
	f.mu.Lock()
	h := f.holder
	f.mu.Unlock()

	var err error
	if f.fn != nil {
		err = f.fn(ctx, h)
	}

	f.mu.Lock()
	f.runs++
	f.lastRun = time.Now()
	f.lastErr = ""
	if err != nil {
		f.fails++
		f.lastErr = err.Error()
	}
	f.mu.Unlock()
	return err
}

// End returns the task to Idle.
func (f *Func) End() { f.state.Store(int32(timer.TaskIdle)) }

// Run is Begin, one Attempt and End. The task is Idle again when Run
// returns, even on panic.
func (f *Func) Run(ctx context.Context) error {
	if !f.Begin() {
		return ErrNotPrepared
	}
	defer f.End()
	return f.Attempt(ctx)
}

func (f *Func) Describe(sink timer.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sink.Set("name", f.name)
	sink.Set("runs", f.runs)
	sink.Set("fails", f.fails)
	if !f.lastRun.IsZero() {
		sink.Set("lastRun", f.lastRun.UnixMilli())
	}
	if f.lastErr != "" {
		sink.Set("lastError", f.lastErr)
	}
}
