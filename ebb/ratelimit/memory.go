package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryCounters is a process-local CounterStore for tests, examples and
// single-process deployments. A single mutex stands in for the atomicity
// the redis scripts provide.
type MemoryCounters struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	windows map[string][]time.Time
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		buckets: make(map[string]*bucket),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *MemoryCounters) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryCounters) TakeTokens(_ context.Context, key string, capacity, refillPerSec float64, cost int) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, last: now}
		m.buckets[key] = b
	}

	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*refillPerSec)
	}
	b.last = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true, 0, nil
	}

	wait := time.Duration((float64(cost) - b.tokens) / refillPerSec * float64(time.Second))
	return false, wait, nil
}

func (m *MemoryCounters) ReturnTokens(_ context.Context, key string, capacity float64, cost int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[key]; ok {
		b.tokens = math.Min(capacity, b.tokens+float64(cost))
	}
	return nil
}

func (m *MemoryCounters) ReserveWindow(_ context.Context, key string, window time.Duration, capacity, cost int) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	kept := m.trim(key, now, window)

	if len(kept)+cost > capacity {
		wait := window
		if len(kept) > 0 {
			wait = kept[0].Add(window).Sub(now)
		}
		if wait < 0 {
			wait = 0
		}
		return false, wait, nil
	}

	for i := 0; i < cost; i++ {
		kept = append(kept, now)
	}
	m.windows[key] = kept
	return true, 0, nil
}

func (m *MemoryCounters) PeekWindow(_ context.Context, key string, window time.Duration, capacity, cost int) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	kept := m.trim(key, now, window)

	if len(kept)+cost <= capacity {
		return 0, nil
	}
	wait := window
	if len(kept) > 0 {
		wait = kept[0].Add(window).Sub(now)
	}
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

func (m *MemoryCounters) Exhaust(_ context.Context, bucketKey, windowKey string, window time.Duration, windowCap int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.buckets[bucketKey] = &bucket{tokens: 0, last: now}

	kept := m.trim(windowKey, now, window)
	for len(kept) < windowCap {
		kept = append(kept, now)
	}
	m.windows[windowKey] = kept
	return nil
}

func (m *MemoryCounters) Close() error { return nil }

// trim drops entries that have left the trailing window. Callers hold mu.
func (m *MemoryCounters) trim(key string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	entries := m.windows[key]
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	kept := entries[i:]
	m.windows[key] = kept
	return kept
}
