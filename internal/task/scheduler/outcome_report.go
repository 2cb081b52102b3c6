package scheduler

import (
	"timerd/internal/eventbus"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

// reportOutcome logs one Schedule result. Gating outcomes are routine and go
// to trace/debug; misconfiguration is an error, throttled per timer.
func (s *Service) reportOutcome(t *timer.Timer, o timer.Outcome) {
	switch o {
	case timer.Dispatched:
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TimerDispatched, Data: map[string]any{
				"timer_id":  t.ID(),
				"name":      t.Name(),
				"last_fire": t.LastFire(),
			}})
		}
		s.log.Debug("timer dispatched", logx.String("timer", t.ID()), logx.Time("fire", t.LastFire()))
	case timer.SkippedMisconfigured:
		ok, suppressed := s.throttle.Allow(t.ID())
		if !ok {
			return
		}
		fields := []logx.Field{logx.String("timer", t.ID()), logx.String("name", t.Name())}
		if suppressed > 0 {
			fields = append(fields, logx.Int("suppressed", suppressed))
		}
		s.log.Error("timer is misconfigured; skipping", fields...)
	case timer.SkippedBusy:
		s.log.Debug("timer skipped; task still busy", logx.String("timer", t.ID()))
	case timer.SkippedNoMatch:
		// Every idle timer reports this on every tick.
	default:
		s.log.Trace("timer skipped", logx.String("timer", t.ID()), logx.String("outcome", o.String()))
	}
}

func (s *Service) reportPanic(t *timer.Timer, r any, stack string) {
	ok, suppressed := s.throttle.Allow(t.ID())
	if !ok {
		return
	}
	fields := []logx.Field{logx.String("timer", t.ID()), logx.Any("panic", r), logx.Stack(stack)}
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}
	s.log.Error("timer panicked during schedule", fields...)
}
