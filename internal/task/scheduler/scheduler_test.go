package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/eventbus"
	"timerd/internal/timer"
	"timerd/internal/timer/matcher"
	"timerd/internal/timer/task"
	logx "timerd/pkg/logx"
)

type fakeClock struct{ ns atomic.Int64 }

func newClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) Commit(_ timer.Task, t *timer.Timer) {
	r.mu.Lock()
	r.calls = append(r.calls, t.ID())
	r.mu.Unlock()
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type panicMatcher struct{}

func (panicMatcher) Match(time.Time, time.Time, timer.ContextHolder) bool { panic("boom") }
func (panicMatcher) IsTimeToClear() bool                                  { return false }

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func intervalTimer(t *testing.T, id string, clk *fakeClock) *timer.Timer {
	t.Helper()
	m, err := matcher.NewInterval(time.Minute)
	require.NoError(t, err)
	return timer.New(id, m, task.Wrap(id, func() {}), timer.WithClock(clk.Now))
}

func TestTickOnceDispatchesAndGuardsBusy(t *testing.T) {
	clk := newClock(t0)
	rec := &recorder{}
	s := New(Config{}, rec, logx.Nop(), nil)
	require.NoError(t, s.Add(intervalTimer(t, "a", clk)))

	rep := s.TickOnce()
	assert.Equal(t, 1, rep.Outcomes[timer.SkippedNoMatch])

	clk.Advance(time.Minute)
	rep = s.TickOnce()
	assert.Equal(t, 1, rep.Dispatched())
	assert.Equal(t, []string{"a"}, rec.ids())

	// The recorder never runs the task, so it stays Ready.
	clk.Advance(time.Minute)
	rep = s.TickOnce()
	assert.Equal(t, 1, rep.Outcomes[timer.SkippedBusy])
	assert.Len(t, rec.ids(), 1)
}

func TestTickOnceRecoversPanics(t *testing.T) {
	clk := newClock(t0)
	rec := &recorder{}
	s := New(Config{}, rec, logx.Nop(), nil)
	require.NoError(t, s.Add(timer.New("bad", panicMatcher{}, task.Wrap("bad", func() {}), timer.WithClock(clk.Now))))
	require.NoError(t, s.Add(intervalTimer(t, "good", clk)))
	clk.Advance(time.Minute)

	rep := s.TickOnce()
	assert.Equal(t, 1, rep.Panics)
	assert.Equal(t, 1, rep.Dispatched())
	assert.Equal(t, []string{"good"}, rec.ids())

	// The panicking timer is unlocked and can be ticked again.
	rep = s.TickOnce()
	assert.Equal(t, 1, rep.Panics)
}

func TestTickOnceCountsMisconfigured(t *testing.T) {
	s := New(Config{}, &recorder{}, logx.Nop(), nil)
	require.NoError(t, s.Add(timer.New("nil-task", matcher.Never{}, nil)))
	rep := s.TickOnce()
	assert.Equal(t, 1, rep.Outcomes[timer.SkippedMisconfigured])
	rep = s.TickOnce()
	assert.Equal(t, 1, rep.Outcomes[timer.SkippedMisconfigured])
}

func TestRegistryOperations(t *testing.T) {
	clk := newClock(t0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(Config{}, &recorder{}, logx.Nop(), bus)

	require.NoError(t, s.Add(intervalTimer(t, "b", clk)))
	require.NoError(t, s.Add(intervalTimer(t, "a", clk)))
	err := s.Add(intervalTimer(t, "a", clk))
	assert.ErrorIs(t, err, ErrExists)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID())

	require.NoError(t, s.Pause("a"))
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, timer.Paused, got.State())
	clk.Advance(time.Minute)
	rep := s.TickOnce()
	assert.Equal(t, 1, rep.Outcomes[timer.SkippedPaused])
	require.NoError(t, s.Resume("a"))
	assert.Equal(t, timer.Running, got.State())

	assert.ErrorIs(t, s.Pause("zzz"), ErrNotFound)
	assert.ErrorIs(t, s.Resume("zzz"), ErrNotFound)

	assert.True(t, s.Remove("b"))
	assert.False(t, s.Remove("b"))
	assert.Equal(t, 1, s.Len())

	var kinds []string
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Type)
	}
	assert.Contains(t, kinds, eventbus.TimerAdded)
	assert.Contains(t, kinds, eventbus.TimerRemoved)
	assert.Contains(t, kinds, eventbus.TimerDispatched)
}

func TestReapOnceRemovesFinishedTimers(t *testing.T) {
	clk := newClock(t0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(Config{}, &recorder{}, logx.Nop(), bus)

	once := matcher.NewOnce(t0.Add(time.Minute))
	once.Clock = clk.Now
	require.NoError(t, s.Add(timer.New("once", once, task.Wrap("once", func() {}), timer.WithClock(clk.Now))))
	require.NoError(t, s.Add(intervalTimer(t, "forever", clk)))

	assert.Empty(t, s.ReapOnce())

	clk.Advance(time.Hour)
	assert.Equal(t, []string{"once"}, s.ReapOnce())
	_, ok := s.Get("once")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(1), s.Snapshot(context.Background(), false).Reaped)

	var reaped bool
	for len(events) > 0 {
		if (<-events).Type == eventbus.TimerReaped {
			reaped = true
		}
	}
	assert.True(t, reaped)
}

func TestSync(t *testing.T) {
	clk := newClock(t0)
	s := New(Config{}, &recorder{}, logx.Nop(), nil)
	builds := map[string]int{}
	def := func(key string, hash uint64) Definition {
		return Definition{Key: key, Hash: hash, Build: func() (*timer.Timer, error) {
			builds[key]++
			return intervalTimer(t, key, clk), nil
		}}
	}

	res, err := s.Sync([]Definition{def("a", 1), def("b", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Added)
	a1, _ := s.Get("a")

	res, err = s.Sync([]Definition{def("a", 1), def("b", 2), def("c", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, res.Added)
	assert.Equal(t, []string{"b"}, res.Replaced)
	a2, _ := s.Get("a")
	assert.Same(t, a1, a2, "unchanged definitions keep their timer")
	assert.Equal(t, 1, builds["a"])

	failing := Definition{Key: "c", Hash: 9, Build: func() (*timer.Timer, error) { return nil, errors.New("bad matcher") }}
	res, err = s.Sync([]Definition{def("a", 1), failing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad matcher")
	assert.Equal(t, []string{"c"}, res.Failed)
	assert.Equal(t, []string{"b"}, res.Removed)
	_, ok := s.Get("c")
	assert.True(t, ok, "failed rebuild keeps the old timer")

	mismatch := Definition{Key: "x", Hash: 1, Build: func() (*timer.Timer, error) { return intervalTimer(t, "y", clk), nil }}
	_, err = s.Sync([]Definition{mismatch})
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestStartStopDrivesTimers(t *testing.T) {
	var fired atomic.Int32
	m, err := matcher.NewInterval(time.Millisecond)
	require.NoError(t, err)
	tk := task.NewFunc("count", func(context.Context, timer.ContextHolder) error {
		fired.Add(1)
		return nil
	})
	run := timer.CommitterFunc(func(task timer.Task, _ *timer.Timer) {
		go func() { _ = task.(interface{ Run(context.Context) error }).Run(context.Background()) }()
	})

	s := New(Config{TickInterval: 5 * time.Millisecond, ReapInterval: 10 * time.Millisecond}, run, logx.Nop(), nil)
	require.NoError(t, s.Add(timer.New("fast", m, tk)))
	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.Running())

	require.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Apply(context.Background(), Config{TickInterval: 2 * time.Millisecond, ReapInterval: 10 * time.Millisecond})
	assert.True(t, s.Running())
	assert.Equal(t, 2*time.Millisecond, s.Config().TickInterval)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.Running())
	assert.NotZero(t, s.Snapshot(context.Background(), false).Ticks)
}

func TestSnapshotForecast(t *testing.T) {
	clk := newClock(t0)
	s := New(Config{Timezone: "UTC"}, &recorder{}, logx.Nop(), nil)
	require.NoError(t, s.Add(intervalTimer(t, "a", clk)))
	require.NoError(t, s.Add(timer.New("never", matcher.Never{}, task.Wrap("n", func() {}), timer.WithClock(clk.Now))))

	snap := s.Snapshot(context.Background(), true)
	require.Len(t, snap.Timers, 2)
	a := snap.Timers[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, "Running", a.State)
	assert.Equal(t, "Idle", a.TaskState)
	require.NotNil(t, a.Next)
	assert.Equal(t, t0.Add(time.Minute), *a.Next)
	assert.Nil(t, snap.Timers[1].Next)
	assert.Nil(t, snap.Engine)
	assert.Equal(t, "UTC", snap.Timezone)
}

// clearingMatcher reports done and runs onClear the first time it is asked.
type clearingMatcher struct {
	once    sync.Once
	onClear func()
}

func (*clearingMatcher) Match(time.Time, time.Time, timer.ContextHolder) bool { return false }
func (m *clearingMatcher) IsTimeToClear() bool {
	m.once.Do(func() {
		if m.onClear != nil {
			m.onClear()
		}
	})
	return true
}

func TestReapOnceKeepsTimerReplacedBySync(t *testing.T) {
	s := New(Config{}, &recorder{}, logx.Nop(), nil)
	var replacement *timer.Timer

	finished := &clearingMatcher{}
	_, err := s.Sync([]Definition{{Key: "a", Hash: 1, Build: func() (*timer.Timer, error) {
		return timer.New("a", finished, task.Wrap("a", func() {})), nil
	}}})
	require.NoError(t, err)

	// A hot reload lands between the reaper's check and its removal.
	finished.onClear = func() {
		_, err := s.Sync([]Definition{{Key: "a", Hash: 2, Build: func() (*timer.Timer, error) {
			replacement = timer.New("a", matcher.Never{}, task.Wrap("a", func() {}))
			return replacement, nil
		}}})
		require.NoError(t, err)
	}

	assert.Empty(t, s.ReapOnce())
	got, ok := s.Get("a")
	require.True(t, ok, "replacement was reaped")
	assert.Same(t, replacement, got)
}

func TestTickSkipsRetiredTimers(t *testing.T) {
	clk := newClock(t0)
	rec := &recorder{}
	s := New(Config{}, rec, logx.Nop(), nil)

	build := func() (*timer.Timer, error) { return intervalTimer(t, "a", clk), nil }
	_, err := s.Sync([]Definition{{Key: "a", Hash: 1, Build: build}})
	require.NoError(t, err)
	snapshot := s.List()

	_, err = s.Sync([]Definition{{Key: "a", Hash: 2, Build: build}})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	rep := s.tick(snapshot)
	assert.Equal(t, 1, rep.Retired)
	assert.Zero(t, rep.Dispatched())
	assert.Empty(t, rec.ids())

	rep = s.TickOnce()
	assert.Equal(t, 1, rep.Dispatched())
}
