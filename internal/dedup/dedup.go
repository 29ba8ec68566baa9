package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// entryMaxAge is the hard ceiling on an in-flight entry. Entries older
	// than this are presumed orphaned and replaced by the next caller.
	entryMaxAge = 30 * time.Second

	cleanupInterval = 5 * time.Minute
)

type call[V any] struct {
	done    chan struct{}
	created time.Time

	val V
	err error
}

// Registry collapses concurrent identical requests so that only one fetch
// executes per key. Followers wait on the leader's outcome; an errored fetch
// propagates the same error to every waiter.
type Registry[V any] struct {
	mu       sync.Mutex
	inflight map[string]*call[V]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRegistry creates a registry and starts its background scavenger. The
// scavenger goroutine parks on a ticker and does not keep the process alive.
func NewRegistry[V any]() *Registry[V] {
	r := &Registry[V]{
		inflight: make(map[string]*call[V]),
		stopCh:   make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Do runs fn once per key across concurrent callers. The second return value
// reports whether this caller was served by another caller's in-flight fetch.
// Cancelling a follower's context aborts only that follower's wait; the
// shared fetch keeps running and still settles for the remaining waiters.
func (r *Registry[V]) Do(ctx context.Context, key string, fn func() (V, error)) (V, bool, error) {
	r.mu.Lock()
	if c, ok := r.inflight[key]; ok {
		if time.Since(c.created) < entryMaxAge {
			r.mu.Unlock()
			select {
			case <-c.done:
				return c.val, true, c.err
			case <-ctx.Done():
				var zero V
				return zero, true, ctx.Err()
			}
		}
		// Entry exceeded the hard ceiling; treat this caller as fresh.
		delete(r.inflight, key)
		log.Warn().Str("key", key).Msg("Discarding stale in-flight dedup entry")
	}

	c := &call[V]{done: make(chan struct{}), created: time.Now()}
	r.inflight[key] = c
	r.mu.Unlock()

	c.val, c.err = fn()

	// Settle-then-delete: the entry leaves the table before any waiter can
	// observe the outcome.
	r.mu.Lock()
	if r.inflight[key] == c {
		delete(r.inflight, key)
	}
	r.mu.Unlock()
	close(c.done)

	return c.val, false, c.err
}

// Stats describes the pending entry set.
type Stats struct {
	Pending     int   `json:"pending"`
	OldestAgeMS int64 `json:"oldest_age_ms"`
}

// Stats returns the count and oldest age of pending entries.
func (r *Registry[V]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest time.Duration
	for _, c := range r.inflight {
		if age := time.Since(c.created); age > oldest {
			oldest = age
		}
	}
	return Stats{Pending: len(r.inflight), OldestAgeMS: oldest.Milliseconds()}
}

// Clear drops all pending entries (tests only; waiters on dropped entries
// still settle when their leader finishes).
func (r *Registry[V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight = make(map[string]*call[V])
}

// StopCleanup terminates the background scavenger.
func (r *Registry[V]) StopCleanup() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry[V]) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.removeExpired()
		}
	}
}

func (r *Registry[V]) removeExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, c := range r.inflight {
		if time.Since(c.created) >= entryMaxAge {
			delete(r.inflight, key)
		}
	}
}
