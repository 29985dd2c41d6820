package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process Store for development and tests. Windows
// are recycled in place on expiry, never recreated.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), now: time.Now}
}

func (s *MemoryStore) Incr(_ context.Context, key string, limit int, windowLen time.Duration) (int, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok {
		w = &window{start: now}
		s.windows[key] = w
	}
	if now.Sub(w.start) >= windowLen {
		w.start = now
		w.count = 0
	}
	resetAt := w.start.Add(windowLen)
	if w.count >= limit {
		return w.count, resetAt, false, nil
	}
	w.count++
	return w.count, resetAt, true, nil
}

func (s *MemoryStore) Probe(_ context.Context, key string, windowLen time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= windowLen {
		return 0, now.Add(windowLen), nil
	}
	return w.count, w.start.Add(windowLen), nil
}
