package scheduler

import (
	"context"

	"timerd/internal/timer"
)

// Snapshot describes the scheduler and every timer. With forecast set, each
// timer's next fire date is simulated, which costs up to a month of matcher
// calls per timer; ctx bounds that work.
func (s *Service) Snapshot(ctx context.Context, forecast bool) Snapshot {
	cfg := s.Config()
	snap := Snapshot{
		Running:      s.Running(),
		Timezone:     cfg.Timezone,
		TickInterval: cfg.TickInterval,
		ReapInterval: cfg.ReapInterval,
		Ticks:        s.ticks.Load(),
		Reaped:       s.reaped.Load(),
	}
	for _, t := range s.List() {
		snap.Timers = append(snap.Timers, describeTimer(ctx, t, forecast))
	}
	if es, ok := s.committer.(EngineSnapshotter); ok {
		e := es.Snapshot()
		snap.Engine = &e
	}
	return snap
}

func describeTimer(ctx context.Context, t *timer.Timer, forecast bool) TimerInfo {
	from, to := t.Window()
	info := TimerInfo{
		ID:          t.ID(),
		Name:        t.Name(),
		Note:        t.Note(),
		State:       t.State().String(),
		LastFire:    t.LastFire(),
		From:        from,
		To:          to,
		TimeToClear: t.IsTimeToClear(),
	}
	if tk := t.Task(); tk != nil {
		info.TaskState = tk.State().String()
	}
	if forecast && ctx.Err() == nil {
		if next, ok, err := t.ForecastNextDateContext(ctx); err == nil && ok {
			info.Next = &next
		}
	}
	return info
}
