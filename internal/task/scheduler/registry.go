package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"timerd/internal/eventbus"
	"timerd/internal/metrics"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

type entry struct {
	t    *timer.Timer
	hash uint64
}

// Add registers t under its id.
func (s *Service) Add(t *timer.Timer) error {
	return s.add(t, 0)
}

func (s *Service) add(t *timer.Timer, hash uint64) error {
	if t == nil {
		return errors.New("nil timer")
	}
	id := t.ID()
	s.mu.Lock()
	if _, ok := s.timers[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrExists)
	}
	s.timers[id] = &entry{t: t, hash: hash}
	s.mu.Unlock()

	s.publish(eventbus.TimerAdded, t)
	s.log.Debug("timer added", logx.String("timer", id), logx.String("name", t.Name()))
	s.updateGauges()
	return nil
}

// Remove unregisters a timer. Work already committed is not affected.
func (s *Service) Remove(id string) bool {
	return s.removeIf(strings.TrimSpace(id), nil)
}

// removeIf deletes id only while it still maps to t. A nil t matches any
// timer. Sync may replace an id between a caller's check and its removal.
func (s *Service) removeIf(id string, t *timer.Timer) bool {
	s.mu.Lock()
	e, ok := s.timers[id]
	if ok && t != nil && e.t != t {
		ok = false
	}
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.throttle.Forget(id)
	s.publish(eventbus.TimerRemoved, e.t)
	s.log.Debug("timer removed", logx.String("timer", id))
	s.updateGauges()
	return true
}

func (s *Service) Get(id string) (*timer.Timer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.timers[strings.TrimSpace(id)]
	if !ok {
		return nil, false
	}
	return e.t, true
}

// registered reports whether t is still the timer stored under its id.
func (s *Service) registered(t *timer.Timer) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.timers[t.ID()]
	return ok && e.t == t
}

// List returns the registered timers sorted by id.
func (s *Service) List() []*timer.Timer {
	s.mu.RLock()
	out := make([]*timer.Timer, 0, len(s.timers))
	for _, e := range s.timers {
		out = append(out, e.t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}

func (s *Service) Pause(id string) error {
	t, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	t.Pause()
	s.log.Info("timer paused", logx.String("timer", t.ID()))
	s.updateGauges()
	return nil
}

func (s *Service) Resume(id string) error {
	t, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	t.Resume()
	s.log.Info("timer resumed", logx.String("timer", t.ID()))
	s.updateGauges()
	return nil
}

// Sync makes the registry match defs: new keys are added, keys whose hash
// changed are rebuilt and replaced, and keys missing from defs are removed.
// Timers added with Add (hash 0) are removed too unless listed.
//
// A definition that fails to build leaves any existing timer with that key
// in place; the build errors are joined into the returned error.
func (s *Service) Sync(defs []Definition) (SyncResult, error) {
	var (
		res  SyncResult
		errs []error
		want = make(map[string]struct{}, len(defs))
	)

	for _, d := range defs {
		key := strings.TrimSpace(d.Key)
		if key == "" {
			errs = append(errs, errors.New("definition without key"))
			continue
		}
		if _, dup := want[key]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate definition", key))
			continue
		}
		want[key] = struct{}{}

		s.mu.RLock()
		cur, exists := s.timers[key]
		s.mu.RUnlock()
		if exists && cur.hash == d.Hash && d.Hash != 0 {
			continue
		}

		t, err := d.Build()
		if err == nil && t.ID() != key {
			err = fmt.Errorf("built timer id %q does not match key", t.ID())
		}
		if err != nil {
			res.Failed = append(res.Failed, key)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}

		s.mu.Lock()
		s.timers[key] = &entry{t: t, hash: d.Hash}
		s.mu.Unlock()
		if exists {
			s.throttle.Forget(key)
			res.Replaced = append(res.Replaced, key)
		} else {
			res.Added = append(res.Added, key)
			s.publish(eventbus.TimerAdded, t)
		}
	}

	var gone []*timer.Timer
	s.mu.Lock()
	for id, e := range s.timers {
		if _, ok := want[id]; ok {
			continue
		}
		delete(s.timers, id)
		gone = append(gone, e.t)
	}
	s.mu.Unlock()
	for _, t := range gone {
		res.Removed = append(res.Removed, t.ID())
		s.throttle.Forget(t.ID())
		s.publish(eventbus.TimerRemoved, t)
	}

	sort.Strings(res.Added)
	sort.Strings(res.Replaced)
	sort.Strings(res.Removed)
	sort.Strings(res.Failed)
	s.updateGauges()

	s.log.Info("timers synced",
		logx.Int("added", len(res.Added)),
		logx.Int("replaced", len(res.Replaced)),
		logx.Int("removed", len(res.Removed)),
		logx.Int("failed", len(res.Failed)),
		logx.Int("total", s.Len()),
	)
	return res, errors.Join(errs...)
}

func (s *Service) updateGauges() {
	running, paused := 0, 0
	s.mu.RLock()
	for _, e := range s.timers {
		if e.t.State() == timer.Paused {
			paused++
		} else {
			running++
		}
	}
	s.mu.RUnlock()
	metrics.SetTimers(running, paused)
}

func (s *Service) publish(kind string, t *timer.Timer) {
	if s.bus == nil || t == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: kind, Data: map[string]any{"timer_id": t.ID(), "name": t.Name()}})
}
