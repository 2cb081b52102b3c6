// Package engine executes tasks committed by timers on a bounded worker pool.
//
// Service implements timer.Committer. Commit never blocks: a full queue or a
// stopped engine drops the job and aborts the task back to Idle, so the
// owning timer can fire again on a later tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"timerd/internal/eventbus"
	"timerd/internal/metrics"
	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	journalBuffer     = 1024
	journalTimeout    = 2 * time.Second
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store storage.Store

	q       chan job
	journal chan storage.DispatchRecord
	sup     *rtsup.Supervisor
	stopCh  chan struct{}

	inFlight atomic.Int32
	circuits circuitStore
	groups   *groupStore
	clock    func() time.Time

	committed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	noop      atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastDropWarnAt atomic.Int64
}

var _ timer.Committer = (*Service)(nil)

// New builds a stopped engine. bus and store may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "engine")),
		bus:    bus,
		store:  store,
		groups: newGroupStore(cfg.GroupLimits),
		clock:  time.Now,
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q != nil
}

// Supervisor returns the supervisor hosting the workers (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. Workers are restarted when the pool shape changed.
// New group limits apply to jobs started afterwards.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if !s.groups.sameLimits(cfg.GroupLimits) {
		s.groups = newGroupStore(cfg.GroupLimits)
	}
	running := s.q != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("engine pool changed; restarting workers",
			logx.Int("workers", cfg.Workers),
			logx.Int("queue", cfg.QueueSize),
		)
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.q != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan job, cfg.QueueSize)
	s.journal = make(chan storage.DispatchRecord, journalBuffer)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q, stopCh, sup, journal := s.q, s.stopCh, s.sup, s.journal
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, q, idx)
			if c.Err() != nil {
				return c.Err()
			}
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	if s.store != nil {
		sup.GoRestart("journal", func(c context.Context) error {
			s.journalWriter(c, journal)
			return c.Err()
		})
	}

	metrics.SetQueue(0, cap(q))
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(q)))
}

// Stop halts the workers, aborts every job still queued and flushes the
// journal. Jobs already running see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, journal, sup, stopCh := s.q, s.journal, s.sup, s.stopCh
	s.q, s.journal, s.sup, s.stopCh = nil, nil, nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}

	close(stopCh)
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("engine stop timed out", logx.Err(err))
	}

	for drained := false; !drained; {
		select {
		case j := <-q:
			s.drop(j, ErrStopped, journal)
		default:
			drained = true
		}
	}
	s.flushJournal(journal)
	metrics.SetQueue(0, 0)
	s.log.Info("engine stopped")
}

// Commit hands a prepared task to the pool without blocking.
//
// While the committing timer's circuit is open the job is dropped with
// ErrCircuitOpen instead.
func (s *Service) Commit(task timer.Task, t *timer.Timer) {
	now := s.clock()
	j := job{
		id:         "job-" + uuid.NewString(),
		task:       task,
		taskName:   taskName(task),
		enqueuedAt: now,
	}
	j.group = groupOf(task, j.taskName)
	if t != nil {
		j.timerID = t.ID()
		j.timerName = t.Name()
	}

	switch task.(type) {
	case Attempter, Runner:
	default:
		// Prepare was the whole job.
		s.noop.Add(1)
		metrics.ObserveJob(metrics.JobNoop, 0)
		if a, ok := task.(Aborter); ok {
			a.Abort()
		}
		s.log.Debug("job committed without runner", logx.String("timer", j.timerID), logx.String("task", j.taskName))
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	j.timeout = cfg.DefaultTimeout
	if to, ok := task.(Timeouter); ok && to.Timeout() > 0 {
		j.timeout = to.Timeout()
	}
	q, journal := s.q, s.journal
	var err error
	if q == nil {
		err = ErrStopped
	} else if p, on := cfg.circuitPolicy(); on {
		if open, until := s.circuits.open(now, j.circuitKey(), p); open {
			err = fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
		}
	}
	if err == nil {
		select {
		case q <- j:
		default:
			err = ErrQueueFull
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.drop(j, err, journal)
		return
	}
	s.committed.Add(1)
	metrics.SetQueue(len(q), cap(q))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TimerDispatched, Time: now, Data: JobEvent{ID: j.id, TimerID: j.timerID, Task: j.taskName}})
	}
}

func (s *Service) drop(j job, reason error, journal chan storage.DispatchRecord) {
	if a, ok := j.task.(Aborter); ok {
		a.Abort()
	}
	s.dropped.Add(1)
	metrics.ObserveJob(metrics.JobDropped, 0)

	now := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobDropped, Time: now, Data: JobEvent{ID: j.id, TimerID: j.timerID, Task: j.taskName, Error: reason.Error()}})
	}
	s.record(journal, storage.DispatchRecord{
		JobID:     j.id,
		TimerID:   j.timerID,
		TimerName: j.timerName,
		Task:      j.taskName,
		Result:    storage.ResultDropped,
		Enqueued:  j.enqueuedAt,
		Error:     reason.Error(),
	})
	s.remember(HistoryItem{ID: j.id, TimerID: j.timerID, Task: j.taskName, Started: now, Error: reason.Error()})

	if s.shouldWarn(now) {
		s.log.Warn("job dropped",
			logx.String("timer", j.timerID),
			logx.String("task", j.taskName),
			logx.Err(reason),
			logx.Uint64("dropped_total", s.dropped.Load()),
		)
	}
}

// record queues a journal entry. It never blocks; a full buffer loses the entry.
func (s *Service) record(journal chan storage.DispatchRecord, r storage.DispatchRecord) {
	if s.store == nil || journal == nil {
		return
	}
	select {
	case journal <- r:
	default:
		metrics.ObserveJournalError()
	}
}

func (s *Service) journalWriter(ctx context.Context, journal chan storage.DispatchRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-journal:
			s.append(r)
		}
	}
}

func (s *Service) flushJournal(journal chan storage.DispatchRecord) {
	if s.store == nil {
		return
	}
	for {
		select {
		case r := <-journal:
			s.append(r)
		default:
			return
		}
	}
}

func (s *Service) append(r storage.DispatchRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.store.AppendDispatch(ctx, r); err != nil {
		metrics.ObserveJournalError()
		s.log.Debug("dispatch journal append failed", logx.String("job", r.JobID), logx.Err(err))
	}
}

func (s *Service) remember(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:        q != nil,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Committed:      s.committed.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		Dropped:        s.dropped.Load(),
		Noop:           s.noop.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
	}
	snap.CircuitTotal, snap.CircuitOpen = s.circuits.counts(s.clock())
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastDropWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastDropWarnAt.CompareAndSwap(prev, n)
}

func taskName(task timer.Task) string {
	if n, ok := task.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", task)
}
