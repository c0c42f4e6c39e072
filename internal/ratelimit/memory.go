package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps sliding-window logs in process memory. It is atomic per
// process only; deployments with several replicas use Redis.
type Memory struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{logs: make(map[string][]time.Time)}
}

func (m *Memory) Hit(ctx context.Context, key string, now time.Time, p Policy) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := prune(m.logs[key], now, p.Window)
	if len(log) >= p.Limit {
		m.keep(key, log)
		return Decision{
			Allowed:    false,
			Count:      len(log),
			Remaining:  0,
			RetryAfter: log[0].Add(p.Window).Sub(now),
		}, nil
	}
	log = append(log, now)
	m.logs[key] = log
	return Decision{Allowed: true, Count: len(log), Remaining: p.Limit - len(log)}, nil
}

func (m *Memory) Count(ctx context.Context, key string, now time.Time, p Policy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := prune(m.logs[key], now, p.Window)
	m.keep(key, log)
	return len(log), nil
}

func (m *Memory) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, key)
	return nil
}

// keep stores log under key, dropping the key once every hit has expired.
func (m *Memory) keep(key string, log []time.Time) {
	if len(log) == 0 {
		delete(m.logs, key)
		return
	}
	m.logs[key] = log
}

// prune drops hits at or before now-window; a hit exactly one window old has expired.
func prune(log []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append([]time.Time(nil), log[i:]...)
}
