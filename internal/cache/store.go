package cache

import (
	"context"
	"time"
)

// Store is the minimal raw byte contract the façade builds on. A value set
// with ttl must remain readable for at least that long; stores may retain it
// longer. Implementations swallow backend errors and report a miss instead,
// so a flaky backend degrades to cache misses rather than failed fetches.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}
