// Package stats counts admission decisions. Recording is best effort and
// never feeds back into quota: buckets stay per process.
package stats

import (
	"context"
	"sync"
	"time"
)

// Event is one admission decision.
type Event struct {
	Limiter string
	Route   string
	Key     string
	Allowed bool
	Method  string
	Path    string
	At      time.Time
}

type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
}

// Memory keeps counters in process. Per-key counters are off unless
// enabled since keys are unbounded.
type Memory struct {
	mu        sync.Mutex
	total     Counters
	byLimiter map[string]Counters
	byRoute   map[string]Counters
	byKey     map[string]Counters
	trackKeys bool
}

func NewMemory(trackKeys bool) *Memory {
	return &Memory{
		byLimiter: make(map[string]Counters),
		byRoute:   make(map[string]Counters),
		byKey:     make(map[string]Counters),
		trackKeys: trackKeys,
	}
}

func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total.add(ev.Allowed)
	bump(m.byLimiter, ev.Limiter, ev.Allowed)
	bump(m.byRoute, ev.Route, ev.Allowed)
	if m.trackKeys {
		bump(m.byKey, ev.Limiter+":"+ev.Key, ev.Allowed)
	}
	return nil
}

func bump(m map[string]Counters, k string, allowed bool) {
	c := m[k]
	c.add(allowed)
	m[k] = c
}

func (m *Memory) Total() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Memory) ByLimiter() map[string]Counters { return m.snapshot(m.byLimiter) }
func (m *Memory) ByRoute() map[string]Counters   { return m.snapshot(m.byRoute) }
func (m *Memory) ByKey() map[string]Counters     { return m.snapshot(m.byKey) }

func (m *Memory) snapshot(src map[string]Counters) map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Counters, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
