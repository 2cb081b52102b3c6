// Package timer implements the per-tick scheduling decision for a single timer.
//
// A Timer owns one Matcher (when to fire), one Task (what to fire) and one
// ContextHolder (state shared between the two). An external driver calls
// Schedule on every tick; the Timer checks, in order:
//   - run state (Running/Paused)
//   - collaborators present (task, matcher, committer)
//   - validity window
//   - task idle (single-flight guard)
//   - matcher decision
//
// and only then advances its last-fire time, prepares the task and hands it to
// the Committer. Every non-fire result is a normal Outcome, never an error.
//
// Execution of the dispatched work is the Committer's business; see
// internal/task/engine for the worker pool used by timerd.
package timer
