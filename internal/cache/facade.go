package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStaleWindow is how long an entry stays physically retrievable past
// its logical expiry, for last-resort stale reads.
const DefaultStaleWindow = 1 * time.Hour

// record is the stored form of a façade entry. Logical expiry lives here;
// the underlying store only sees the physical retention (TTL + stale window).
type record struct {
	Written time.Time       `json:"written"`
	Expires time.Time       `json:"expires"`
	Payload json.RawMessage `json:"payload"`
}

// Facade layers freshness semantics over a raw Store: fresh reads, reads
// that tolerate expired entries, write-with-TTL, and entry age. Encoding
// failures and store errors are swallowed and surface as misses; the cache
// must never abort an orchestrated fetch.
type Facade[T any] struct {
	store       Store
	staleWindow time.Duration
}

// NewFacade wraps a store. staleWindow <= 0 selects DefaultStaleWindow.
func NewFacade[T any](store Store, staleWindow time.Duration) *Facade[T] {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &Facade[T]{store: store, staleWindow: staleWindow}
}

// Get returns the value only while its logical TTL has not elapsed.
func (f *Facade[T]) Get(ctx context.Context, key string) (T, bool) {
	return f.get(ctx, key, false)
}

// GetStale returns the value even past its logical expiry, as long as the
// store has not physically evicted it.
func (f *Facade[T]) GetStale(ctx context.Context, key string) (T, bool) {
	return f.get(ctx, key, true)
}

func (f *Facade[T]) get(ctx context.Context, key string, allowExpired bool) (T, bool) {
	var zero T

	rec, ok := f.load(ctx, key)
	if !ok {
		return zero, false
	}
	if !allowExpired && !time.Now().Before(rec.Expires) {
		return zero, false
	}

	var val T
	if err := json.Unmarshal(rec.Payload, &val); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache payload decode failed, treating as miss")
		return zero, false
	}
	return val, true
}

// Set stores val with the given logical TTL. Physical retention extends by
// the stale window so the entry stays rescuable after expiry.
func (f *Facade[T]) Set(ctx context.Context, key string, val T, ttl time.Duration) {
	payload, err := json.Marshal(val)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache payload encode failed, dropping write")
		return
	}

	now := time.Now()
	rec := record{Written: now, Expires: now.Add(ttl), Payload: payload}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f.store.Set(ctx, key, b, ttl+f.staleWindow)
}

// Age returns the time since the entry was written.
func (f *Facade[T]) Age(ctx context.Context, key string) (time.Duration, bool) {
	rec, ok := f.load(ctx, key)
	if !ok {
		return 0, false
	}
	return time.Since(rec.Written), true
}

// Clear drops everything in the underlying store (tests only).
func (f *Facade[T]) Clear(ctx context.Context) {
	f.store.Clear(ctx)
}

func (f *Facade[T]) load(ctx context.Context, key string) (*record, bool) {
	b, ok := f.store.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache record decode failed, treating as miss")
		return nil, false
	}
	return &rec, true
}
