package matcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"timerd/internal/timer"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron fires when the cron schedule has an activation in (lastFire, now].
type Cron struct {
	spec  string
	sched cron.Schedule
}

// NewCron parses spec. A non-nil loc is applied unless spec carries its own TZ= prefix.
func NewCron(spec string, loc *time.Location) (*Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("cron spec required")
	}
	full := spec
	if loc != nil && !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		full = "CRON_TZ=" + loc.String() + " " + spec
	}
	sched, err := cronParser.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return &Cron{spec: spec, sched: sched}, nil
}

func (c *Cron) Spec() string { return c.spec }

func (c *Cron) Match(lastFire, now time.Time, _ timer.ContextHolder) bool {
	next := c.sched.Next(lastFire)
	return !next.IsZero() && !next.After(now)
}

func (c *Cron) IsTimeToClear() bool { return false }

func (c *Cron) Describe(sink timer.Sink) { sink.Set("spec", c.spec) }

// Interval fires once at least Every has elapsed since the last fire.
type Interval struct {
	Every time.Duration
}

func NewInterval(every time.Duration) (*Interval, error) {
	if every <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return &Interval{Every: every}, nil
}

func (m *Interval) Match(lastFire, now time.Time, _ timer.ContextHolder) bool {
	return now.Sub(lastFire) >= m.Every
}

func (m *Interval) IsTimeToClear() bool { return false }

func (m *Interval) Describe(sink timer.Sink) { sink.Set("every", m.Every.String()) }

// DefaultOnceGrace is how late a one-shot may still fire after its instant.
const DefaultOnceGrace = time.Minute

// Once fires a single time, at the first tick in [At, At+Grace] that comes
// after the last fire. After At+Grace it never matches and asks to be cleared.
type Once struct {
	At    time.Time
	Grace time.Duration
	Clock func() time.Time
}

func NewOnce(at time.Time) *Once {
	return &Once{At: at, Grace: DefaultOnceGrace, Clock: time.Now}
}

func (m *Once) deadline() time.Time {
	g := m.Grace
	if g <= 0 {
		g = DefaultOnceGrace
	}
	return m.At.Add(g)
}

func (m *Once) Match(lastFire, now time.Time, _ timer.ContextHolder) bool {
	return lastFire.Before(m.At) && !now.Before(m.At) && !now.After(m.deadline())
}

func (m *Once) IsTimeToClear() bool {
	return now(m.Clock).After(m.deadline())
}

func (m *Once) Describe(sink timer.Sink) {
	sink.Set("at", m.At.Format(time.RFC3339))
	sink.Set("grace", m.Grace.String())
}

// Bounded wraps a matcher with an end date that is part of the policy itself,
// independent of the timer's validity window.
type Bounded struct {
	Inner timer.Matcher
	Until time.Time
	Clock func() time.Time
}

func Until(m timer.Matcher, until time.Time) *Bounded {
	return &Bounded{Inner: m, Until: until, Clock: time.Now}
}

func (b *Bounded) Match(lastFire, now time.Time, ctx timer.ContextHolder) bool {
	if b.Inner == nil || now.After(b.Until) {
		return false
	}
	return b.Inner.Match(lastFire, now, ctx)
}

func (b *Bounded) IsTimeToClear() bool {
	if now(b.Clock).After(b.Until) {
		return true
	}
	return b.Inner != nil && b.Inner.IsTimeToClear()
}

func (b *Bounded) Describe(sink timer.Sink) {
	sink.Set("until", b.Until.Format(time.RFC3339))
	if b.Inner != nil {
		inner := sink.Child("inner")
		inner.Set("module", fmt.Sprintf("%T", b.Inner))
		if d, ok := b.Inner.(timer.Describer); ok {
			d.Describe(inner)
		}
	}
}

// Never never fires and never expires.
type Never struct{}

func (Never) Match(time.Time, time.Time, timer.ContextHolder) bool { return false }
func (Never) IsTimeToClear() bool                                  { return false }

func now(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now()
	}
	return clock()
}
