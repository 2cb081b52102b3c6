// Package scheduler keeps the set of live timers and drives them.
//
// It is responsible only for:
//   - the timer registry (add, remove, pause, resume, hot-reload sync)
//   - the tick loop, which calls Schedule on every timer
//   - reaping timers whose schedule can never fire again
//
// Execution is delegated to the Committer, normally the task engine.
package scheduler
