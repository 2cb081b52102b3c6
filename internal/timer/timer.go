package timer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ForecastStep is the simulated clock increment used by ForecastNextDate.
	ForecastStep = time.Minute
	// ForecastSteps bounds ForecastNextDate to roughly one month of minutes.
	ForecastSteps = 31 * 24 * 60
)

// Timer binds a Matcher, a Task and a ContextHolder to a validity window and
// a run state. It is safe for concurrent use.
type Timer struct {
	// mu serializes Schedule for this instance only.
	mu sync.Mutex

	id   string
	name string
	note string

	from time.Time // zero: unbounded
	to   time.Time // zero: unbounded

	state    atomic.Int32
	lastFire atomic.Pointer[time.Time]

	matcher Matcher
	task    Task
	ctx     ContextHolder
	clock   func() time.Time
}

type Option func(*Timer)

// WithWindow restricts dispatching to from <= now <= to. A zero bound is open.
func WithWindow(from, to time.Time) Option {
	return func(t *Timer) {
		t.from = from
		t.to = to
	}
}

func WithContext(h ContextHolder) Option {
	return func(t *Timer) { t.ctx = h }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Timer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithName(name string) Option { return func(t *Timer) { t.name = name } }

func WithNote(note string) Option { return func(t *Timer) { t.note = note } }

// WithPaused creates the timer in the Paused state.
func WithPaused() Option {
	return func(t *Timer) { t.state.Store(int32(Paused)) }
}

// WithIDGenerator is consulted only when New receives an empty id.
func WithIDGenerator(g IDGenerator) Option {
	return func(t *Timer) {
		if t.id == "" && g != nil {
			t.id = g.NextID()
		}
	}
}

// New builds a Running timer whose last-fire time is the construction time.
// A nil matcher or task is accepted; Schedule then reports SkippedMisconfigured.
func New(id string, m Matcher, task Task, opts ...Option) *Timer {
	t := &Timer{
		id:      id,
		matcher: m,
		task:    task,
		clock:   time.Now,
	}
	t.state.Store(int32(Running))
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if t.id == "" {
		t.id = DefaultIDs.NextID()
	}
	now := t.clock()
	t.lastFire.Store(&now)
	return t
}

func (t *Timer) ID() string   { return t.id }
func (t *Timer) Name() string { return t.name }
func (t *Timer) Note() string { return t.note }

func (t *Timer) State() State { return State(t.state.Load()) }

// LastFire returns the time of the most recent dispatch (or construction).
func (t *Timer) LastFire() time.Time { return *t.lastFire.Load() }

// Window returns the validity bounds; zero values are open.
func (t *Timer) Window() (from, to time.Time) { return t.from, t.to }

func (t *Timer) Matcher() Matcher       { return t.matcher }
func (t *Timer) Task() Task             { return t.task }
func (t *Timer) Context() ContextHolder { return t.ctx }

// Pause stops future dispatching. Already committed work is not affected.
func (t *Timer) Pause() { t.state.Store(int32(Paused)) }

// Resume re-enables dispatching from the next tick.
func (t *Timer) Resume() { t.state.Store(int32(Running)) }

// IsTimeToClear reports whether the timer can be dropped from its registry.
func (t *Timer) IsTimeToClear() bool {
	return t.matcher != nil && t.matcher.IsTimeToClear()
}

// InWindow reports whether now is inside the validity window.
func (t *Timer) InWindow(now time.Time) bool {
	if !t.from.IsZero() && now.Before(t.from) {
		return false
	}
	if !t.to.IsZero() && now.After(t.to) {
		return false
	}
	return true
}

// Schedule runs one tick. On a match it advances the last-fire time, prepares
// the task and commits it; every other path is a no-op reported via Outcome.
//
// The instance lock is held for the whole call, Commit included, so a second
// tick can never observe the task as idle between the busy check and the
// commit.
func (t *Timer) Schedule(c Committer) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != Running {
		return SkippedPaused
	}
	if t.task == nil || t.matcher == nil || c == nil {
		return SkippedMisconfigured
	}

	now := t.clock()
	if !t.InWindow(now) {
		return SkippedOutOfWindow
	}
	if t.task.State() != TaskIdle {
		return SkippedBusy
	}

	last := t.LastFire()
	if !t.matcher.Match(last, now, t.ctx) {
		return SkippedNoMatch
	}
	// Keep last-fire monotonic even if the wall clock stepped back.
	if now.After(last) {
		t.lastFire.Store(&now)
	}
	t.task.Prepare(t.ctx)
	c.Commit(t.task, t)
	return Dispatched
}

// ForecastNextDate simulates the matcher minute by minute, starting at the
// current time, for at most ForecastSteps steps. It reports false when no
// match is found within the horizon.
func (t *Timer) ForecastNextDate() (time.Time, bool) {
	next, ok, _ := t.ForecastNextDateContext(context.Background())
	return next, ok
}

// ForecastNextDateContext is ForecastNextDate with cancellation, checked once
// per simulated day.
//
// The scheduling lock is not taken, so a concurrent dispatch may make the
// result stale. The matcher sees a clone of the context when the holder
// implements Cloner, otherwise the live holder.
func (t *Timer) ForecastNextDateContext(ctx context.Context) (time.Time, bool, error) {
	m := t.matcher
	if m == nil {
		return time.Time{}, false, nil
	}
	holder := t.ctx
	if c, ok := holder.(Cloner); ok {
		holder = c.Clone()
	}
	last := t.LastFire()
	cur := t.clock()
	for i := 0; i < ForecastSteps; i++ {
		if i%(24*60) == 0 && ctx.Err() != nil {
			return time.Time{}, false, ctx.Err()
		}
		if m.Match(last, cur, holder) {
			return cur, true, nil
		}
		cur = cur.Add(ForecastStep)
	}
	return time.Time{}, false, nil
}

// Describe writes the timer's diagnostic fields into sink.
func (t *Timer) Describe(sink Sink) {
	if sink == nil {
		return
	}
	sink.Set("id", t.id)
	if t.name != "" {
		sink.Set("name", t.name)
	}
	if t.note != "" {
		sink.Set("note", t.note)
	}
	sink.Set("state", t.State().String())
	sink.Set("lastDate", t.LastFire().UnixMilli())
	if !t.from.IsZero() {
		sink.Set("fromDate", t.from.UnixMilli())
	}
	if !t.to.IsZero() {
		sink.Set("toDate", t.to.UnixMilli())
	}

	if t.ctx != nil {
		describePart(sink.Child("context"), t.ctx)
	}
	if t.task != nil {
		child := sink.Child("task")
		child.Set("state", t.task.State().String())
		describePart(child, t.task)
	}
	if t.matcher != nil {
		child := sink.Child("matcher")
		child.Set("timeToClear", t.matcher.IsTimeToClear())
		describePart(child, t.matcher)
	}
}

func describePart(sink Sink, v any) {
	sink.Set("module", fmt.Sprintf("%T", v))
	if d, ok := v.(Describer); ok {
		d.Describe(sink)
	}
}

func (t *Timer) String() string {
	return fmt.Sprintf("timer(%s, %s)", t.id, t.State())
}
