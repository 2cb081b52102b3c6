package task

import (
	"maps"
	"sort"
	"sync"

	"timerd/internal/timer"
)

// MapContext is the default context holder: a concurrency-safe string map.
type MapContext struct {
	mu sync.RWMutex
	m  map[string]any
}

func NewMapContext() *MapContext {
	return &MapContext{m: map[string]any{}}
}

func (c *MapContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *MapContext) Set(key string, v any) {
	c.mu.Lock()
	if c.m == nil {
		c.m = map[string]any{}
	}
	c.m[key] = v
	c.mu.Unlock()
}

func (c *MapContext) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

func (c *MapContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Clone returns a shallow copy; values themselves are shared.
func (c *MapContext) Clone() timer.ContextHolder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &MapContext{m: maps.Clone(c.m)}
}

// Keys returns the keys in sorted order.
func (c *MapContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *MapContext) Describe(sink timer.Sink) {
	vals := sink.Child("values")
	for _, k := range c.Keys() {
		if v, ok := c.Get(k); ok {
			vals.Set(k, v)
		}
	}
}
