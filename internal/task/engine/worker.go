package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/metrics"
	"timerd/internal/storage"
	logx "timerd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan job, idx int) {
	// Per-worker RNG for retry jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work; Stop aborts what is left.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			metrics.SetQueue(len(queue), cap(queue))
			sem := s.groupStore().get(j.group)
			if !sem.tryAcquire() {
				s.requeue(ctx, stopCh, queue, j)
				continue
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, j, rng)
			s.inFlight.Add(-1)
			sem.release()
		}
	}
}

func (s *Service) groupStore() *groupStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups
}

// requeue puts back a job whose concurrency group is full, then pauses so a
// lone blocked job does not spin the worker. A full queue drops the job.
func (s *Service) requeue(ctx context.Context, stopCh <-chan struct{}, queue chan job, j job) {
	select {
	case queue <- j:
	default:
		s.mu.Lock()
		journal := s.journal
		s.mu.Unlock()
		s.drop(j, ErrQueueFull, journal)
		return
	}
	tmr := time.NewTimer(groupRetryDelay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-tmr.C:
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, j job, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(j.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	journal := s.journal
	s.mu.Unlock()

	s.log.Debug("job.started", logx.String("timer", j.timerID), logx.String("task", j.taskName), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: start, Data: JobEvent{ID: j.id, TimerID: j.timerID, Task: j.taskName, Started: start, QueueDelay: queueDelay}})
	}

	var attempt func(context.Context) error
	switch t := j.task.(type) {
	case Attempter:
		if !t.Begin() {
			attempt = func(context.Context) error { return NoRetry(ErrNotRunnable) }
			break
		}
		defer t.End()
		attempt = t.Attempt
	case Runner:
		attempt = t.Run
	default:
		attempt = func(context.Context) error { return NoRetry(ErrNotRunnable) }
	}

	attempts, err := s.runAttempts(ctx, stopCh, j, cfg, attempt, rng)
	s.recordCircuit(ctx, j, cfg, err)

	dur := time.Since(start)
	item := HistoryItem{ID: j.id, TimerID: j.timerID, Task: j.taskName, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	rec := storage.DispatchRecord{
		JobID:      j.id,
		TimerID:    j.timerID,
		TimerName:  j.timerName,
		Task:       j.taskName,
		Result:     storage.ResultSucceeded,
		Enqueued:   j.enqueuedAt,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
	}
	ev := JobEvent{ID: j.id, TimerID: j.timerID, Task: j.taskName, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}

	if err != nil {
		item.Error = err.Error()
		rec.Result = storage.ResultFailed
		rec.Error = item.Error
		ev.Error = item.Error
		s.failed.Add(1)
		metrics.ObserveJob(metrics.JobFailed, dur)
		s.log.Warn("job.failed", logx.String("timer", j.timerID), logx.String("task", j.taskName), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: ev})
		}
	} else {
		s.succeeded.Add(1)
		metrics.ObserveJob(metrics.JobSucceeded, dur)
		if dur >= 750*time.Millisecond {
			s.log.Info("job.completed", logx.String("timer", j.timerID), logx.String("task", j.taskName), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("job.completed", logx.String("timer", j.timerID), logx.String("task", j.taskName), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: ev})
		}
	}

	s.remember(item)
	s.record(journal, rec)
}

// runAttempts calls attempt until it succeeds, returns a NoRetry error or
// RetryMax retries are used up.
func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, j job, cfg Config, attempt func(context.Context) error, rng *rand.Rand) (int, error) {
	var err error
	maxAttempts := 1 + cfg.RetryMax
	for n := 1; n <= maxAttempts; n++ {
		err = s.attemptOnce(ctx, j, attempt)
		if err == nil {
			return n, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return n, nr.err
		}
		if n == maxAttempts {
			return n, err
		}

		delay := backoffDelayWithHint(cfg, n, err, rng)
		s.log.Debug("job retry scheduled", logx.String("task", j.taskName), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return n, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return n, ErrStopped
		case <-tmr.C:
		}
	}
	return maxAttempts, err
}

// attemptOnce applies the job timeout and turns a panic into an error so a
// bad task can't kill its worker.
func (s *Service) attemptOnce(ctx context.Context, j job, attempt func(context.Context) error) (err error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job.panic", logx.String("task", j.taskName), logx.Any("panic", r), logx.Stack(logx.CurrentStack()))
		}
	}()
	return attempt(ctx)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}

// recordCircuit feeds a finished job into its timer's breaker. Jobs cut
// short by shutdown don't count.
func (s *Service) recordCircuit(ctx context.Context, j job, cfg Config, err error) {
	p, on := cfg.circuitPolicy()
	if !on || errors.Is(err, ErrStopped) || (err != nil && ctx.Err() != nil) {
		return
	}
	if until, tripped := s.circuits.record(s.clock(), j.circuitKey(), p, err); tripped {
		s.log.Warn("circuit open",
			logx.String("timer", j.timerID),
			logx.String("task", j.taskName),
			logx.Time("until", until),
		)
	}
}
