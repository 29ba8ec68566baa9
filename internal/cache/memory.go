package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with TTL expiry and periodic cleanup.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

type memEntry struct {
	b   []byte
	exp time.Time
}

// NewMemoryStore creates a store and starts its cleanup goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memEntry),
		stopCh:  make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}

func (s *MemoryStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memEntry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	s.entries[key] = e
}

func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *MemoryStore) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memEntry)
}

// Stop shuts down the cleanup goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.entries {
		if !e.exp.IsZero() && now.After(e.exp) {
			delete(s.entries, key)
		}
	}
}
