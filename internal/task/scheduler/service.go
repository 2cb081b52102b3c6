package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/metrics"
	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

type Service struct {
	mu     sync.RWMutex
	timers map[string]*entry

	log       logx.Logger
	bus       eventbus.Bus
	committer timer.Committer
	throttle  *logx.Throttle

	// runMu guards the loop lifecycle fields below.
	runMu  sync.Mutex
	cfg    Config
	parent context.Context
	sup    *rtsup.Supervisor

	ticks  atomic.Uint64
	reaped atomic.Uint64
}

// New returns a stopped scheduler that commits matched tasks to c.
func New(cfg Config, c timer.Committer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		timers:    map[string]*entry{},
		log:       log,
		bus:       bus,
		committer: c,
		cfg:       cfg,
		throttle:  logx.NewThrottle(cfg.ErrorLogEvery),
	}
}

func (s *Service) Config() Config {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cfg
}

func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup != nil
}

// Apply swaps the driver config. Running loops are restarted when an
// interval changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.runMu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.runMu.Unlock()

	if !running || (old.TickInterval == cfg.TickInterval && old.ReapInterval == cfg.ReapInterval) {
		return
	}
	s.log.Info("scheduler intervals changed; restarting loops",
		logx.Duration("tick", cfg.TickInterval), logx.Duration("reap", cfg.ReapInterval))
	s.Stop(ctx)
	s.runMu.Lock()
	parent := s.parent
	s.runMu.Unlock()
	s.Start(parent)
}

// Start launches the tick and reap loops. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return
	}
	cfg := s.cfg
	s.parent = ctx
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	s.sup.GoRestart("scheduler.tick", func(c context.Context) error {
		return s.loop(c, cfg.TickInterval, func() { s.TickOnce() })
	})
	s.sup.GoRestart("scheduler.reap", func(c context.Context) error {
		return s.loop(c, cfg.ReapInterval, func() { s.ReapOnce() })
	})
	s.log.Info("scheduler started",
		logx.Duration("tick", cfg.TickInterval),
		logx.Duration("reap", cfg.ReapInterval),
		logx.Int("timers", s.Len()),
	)
}

// Stop halts both loops and waits for them. Already committed work is not
// affected.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context, every time.Duration, fn func()) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn()
		}
	}
}

// TickOnce runs Schedule on every registered timer, in id order. A panic
// from one timer's collaborators is recovered and the pass continues.
func (s *Service) TickOnce() TickReport {
	return s.tick(s.List())
}

// tick schedules timers from a registry snapshot. Timers that Sync or
// Remove retired after the snapshot was taken are skipped.
func (s *Service) tick(timers []*timer.Timer) TickReport {
	s.ticks.Add(1)
	rep := TickReport{Outcomes: make(map[timer.Outcome]int, 6)}
	for _, t := range timers {
		if !s.registered(t) {
			rep.Retired++
			continue
		}
		o, ok := s.scheduleOne(t)
		if !ok {
			rep.Panics++
			continue
		}
		rep.Outcomes[o]++
		metrics.ObserveOutcome(o)
		s.reportOutcome(t, o)
	}
	return rep
}

func (s *Service) scheduleOne(t *timer.Timer) (o timer.Outcome, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			metrics.ObserveSchedulePanic()
			s.reportPanic(t, r, logx.CurrentStack())
		}
	}()
	return t.Schedule(s.committer), true
}

// ReapOnce removes every timer whose schedule can never fire again and
// returns their ids.
func (s *Service) ReapOnce() []string {
	var ids []string
	for _, t := range s.List() {
		if !s.timeToClear(t) {
			continue
		}
		if !s.removeIf(t.ID(), t) {
			continue
		}
		ids = append(ids, t.ID())
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TimerReaped, Data: map[string]any{"timer_id": t.ID(), "name": t.Name()}})
		}
		s.log.Info("timer reaped", logx.String("timer", t.ID()), logx.String("name", t.Name()))
	}
	if n := len(ids); n > 0 {
		s.reaped.Add(uint64(n))
		metrics.ObserveReaped(n)
	}
	return ids
}

func (s *Service) timeToClear(t *timer.Timer) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			done = false
			metrics.ObserveSchedulePanic()
			s.reportPanic(t, r, logx.CurrentStack())
		}
	}()
	return t.IsTimeToClear()
}
