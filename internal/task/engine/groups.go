package engine

import (
	"maps"
	"strings"
	"sync"
	"time"
)

// groupRetryDelay is how long a worker waits after putting back a job whose
// group is at capacity.
const groupRetryDelay = 20 * time.Millisecond

// Grouper lets a task choose its concurrency group. Tasks without one are
// grouped by name, so "exec" limits every exec task across timers.
type Grouper interface {
	ConcurrencyGroup() string
}

// groupSemaphore is a channel of pre-filled tokens.
type groupSemaphore struct {
	ch chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	gs := &groupSemaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// groupStore hands out one semaphore per limited group. Limits are fixed
// for its lifetime; Apply swaps in a new store when they change.
type groupStore struct {
	limits map[string]int

	mu   sync.Mutex
	sems map[string]*groupSemaphore
}

func newGroupStore(limits map[string]int) *groupStore {
	g := &groupStore{limits: make(map[string]int, len(limits)), sems: map[string]*groupSemaphore{}}
	for k, n := range limits {
		if k = strings.TrimSpace(k); k != "" && n > 0 {
			g.limits[k] = n
		}
	}
	return g
}

func (g *groupStore) sameLimits(limits map[string]int) bool {
	return maps.Equal(g.limits, newGroupStore(limits).limits)
}

// get returns the semaphore for key, or nil when key is unlimited.
func (g *groupStore) get(key string) *groupSemaphore {
	limit, ok := g.limits[key]
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	gs := g.sems[key]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		g.sems[key] = gs
	}
	return gs
}

func groupOf(task any, name string) string {
	if g, ok := task.(Grouper); ok {
		if k := strings.TrimSpace(g.ConcurrencyGroup()); k != "" {
			return k
		}
	}
	return name
}
