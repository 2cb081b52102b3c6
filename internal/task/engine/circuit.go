package engine

import (
	"sync"
	"time"
)

// circuit tracks consecutive failed jobs of one timer.
//
// A success closes it. Once fails reaches the trip threshold every further
// failure reopens it for an exponentially longer cooldown, capped at the
// policy maximum. Jobs committed while it is open are dropped.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitPolicy struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

// circuitPolicy reports the effective breaker settings; false when disabled.
func (c Config) circuitPolicy() (circuitPolicy, bool) {
	if c.CircuitTripFailures < 0 {
		return circuitPolicy{}, false
	}
	return circuitPolicy{
		trip:       max(c.CircuitTripFailures, 1),
		baseDelay:  c.CircuitBaseDelay,
		maxDelay:   c.CircuitMaxDelay,
		resetAfter: c.CircuitResetAfter,
	}, true
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuit
}

// expire forgets failures older than resetAfter.
func (c *circuit) expire(now time.Time, p circuitPolicy) {
	if !c.lastFailure.IsZero() && p.resetAfter > 0 && now.Sub(c.lastFailure) > p.resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

// open reports whether key's circuit is open at now, and until when.
func (s *circuitStore) open(now time.Time, key string, p circuitPolicy) (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.m[key]
	if c == nil {
		return false, time.Time{}
	}
	c.expire(now, p)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record folds a finished job into key's circuit. It returns the new open
// deadline when this failure tripped it.
func (s *circuitStore) record(now time.Time, key string, p circuitPolicy, err error) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.m, key)
		return time.Time{}, false
	}
	if s.m == nil {
		s.m = make(map[string]*circuit)
	}
	c := s.m[key]
	if c == nil {
		c = &circuit{}
		s.m[key] = c
	}
	c.expire(now, p)
	c.fails++
	c.lastFailure = now
	if c.fails < p.trip {
		return time.Time{}, false
	}

	d := p.baseDelay
	for i := 0; i < c.fails-p.trip && d < p.maxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, p.maxDelay))
	return c.openUntil, true
}

// counts returns how many timers have a failure streak and how many of
// those are open.
func (s *circuitStore) counts(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.m {
		total++
		if now.Before(c.openUntil) {
			open++
		}
	}
	return total, open
}
