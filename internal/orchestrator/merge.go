package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tickerlab/datafeed/internal/config"
	"github.com/tickerlab/datafeed/internal/provider"
	"github.com/tickerlab/datafeed/internal/telemetry"
)

// MergePart is one provider's successful contribution to a merge.
type MergePart[T any] struct {
	Source string
	Data   T
}

// MergeStrategy reconciles successful provider results into one value. The
// strategy owns the precedence policy; returning false means the parts could
// not be merged.
type MergeStrategy[T any] func(parts []MergePart[T]) (T, bool)

// MergeRequest describes one FetchWithMerge call.
type MergeRequest[T any] struct {
	Key            string
	Providers      []provider.Provider[T]
	Merge          MergeStrategy[T]
	MinProviders   int // minimum successful providers; 0 selects 1
	CacheKeyPrefix string
	Kind           config.Kind
	Tier           config.Tier
	TTL            time.Duration
	Timeout        time.Duration
	SkipCache      bool
}

// FetchWithMerge queries every provider in parallel and reconciles the
// successful subset through the merge strategy. Used for cross-source
// enrichment where no single provider carries the whole picture. There is
// no stale-cache rescue on this path.
func (o *Orchestrator[T]) FetchWithMerge(ctx context.Context, req MergeRequest[T]) *Result[T] {
	start := time.Now()
	cacheKey := req.CacheKeyPrefix + ":" + req.Key + ":" + cacheKeyVersion
	ttl := o.resolveTTL(req.TTL, req.Kind, req.Tier)
	minProviders := req.MinProviders
	if minProviders <= 0 {
		minProviders = 1
	}

	if !req.SkipCache {
		if val, ok := o.cache.Get(ctx, cacheKey); ok {
			age, _ := o.cache.Age(ctx, cacheKey)
			o.sink.Record(telemetry.Event{Type: telemetry.EventCacheHit, Key: req.Key})
			return &Result[T]{
				Data:      &val,
				Source:    SourceCache,
				Cached:    true,
				Timestamp: time.Now(),
				AgeMS:     age.Milliseconds(),
				Metadata: Metadata{
					ProvidersAttempted: []string{},
					DurationMS:         time.Since(start).Milliseconds(),
				},
			}
		}
		o.sink.Record(telemetry.Event{Type: telemetry.EventCacheMiss, Key: req.Key})
	}

	// Fan out: each provider runs as its own one-element fallback with the
	// cache and dedup layers disabled; this path already owns both.
	results := make([]*Result[T], len(req.Providers))
	var wg sync.WaitGroup
	for i, p := range req.Providers {
		wg.Add(1)
		go func(i int, p provider.Provider[T]) {
			defer wg.Done()
			results[i] = o.fetchFallback(ctx, FallbackRequest[T]{
				Key:            req.Key,
				Providers:      []provider.Provider[T]{p},
				CacheKeyPrefix: req.CacheKeyPrefix,
				TTL:            ttl,
				Timeout:        req.Timeout,
				SkipCache:      true,
				DisableStale:   true,
				DisableDedup:   true,
				noStore:        true,
			}, time.Now())
		}(i, p)
	}
	wg.Wait()

	var (
		parts     []MergePart[T]
		errs      []*provider.Error
		attempted []string
		tripped   bool
	)
	for _, res := range results {
		attempted = append(attempted, res.Metadata.ProvidersAttempted...)
		errs = append(errs, res.Errors...)
		tripped = tripped || res.Metadata.CircuitBreakerTriggered
		if res.Data != nil {
			parts = append(parts, MergePart[T]{Source: res.Source, Data: *res.Data})
		}
	}

	if len(parts) < minProviders {
		o.sink.Record(telemetry.Event{
			Type:     telemetry.EventMergeInsufficientProviders,
			Key:      req.Key,
			Metadata: map[string]any{"successful": len(parts), "required": minProviders},
		})
		log.Warn().Str("key", req.Key).Int("successful", len(parts)).Int("required", minProviders).
			Msg("Not enough providers succeeded for merge")
		return o.mergeFailure(start, attempted, errs, tripped)
	}

	merged, ok := req.Merge(parts)
	if !ok {
		o.sink.Record(telemetry.Event{Type: telemetry.EventMergeFailed, Key: req.Key})
		return o.mergeFailure(start, attempted, errs, tripped)
	}

	// The merged value is cached even when only a subset of providers
	// succeeded; the next TTL window retries the full set.
	o.cache.Set(ctx, cacheKey, merged, ttl)
	o.sink.Record(telemetry.Event{
		Type:     telemetry.EventMergeSuccess,
		Key:      req.Key,
		Metadata: map[string]any{"providers": len(parts)},
	})
	return &Result[T]{
		Data:      &merged,
		Source:    SourceMerged,
		Cached:    false,
		Timestamp: time.Now(),
		Errors:    errs,
		Metadata: Metadata{
			ProvidersAttempted:      attempted,
			DurationMS:              time.Since(start).Milliseconds(),
			CircuitBreakerTriggered: tripped,
		},
	}
}

func (o *Orchestrator[T]) mergeFailure(start time.Time, attempted []string, errs []*provider.Error, tripped bool) *Result[T] {
	return &Result[T]{
		Timestamp: time.Now(),
		Errors:    errs,
		Metadata: Metadata{
			ProvidersAttempted:      attempted,
			DurationMS:              time.Since(start).Milliseconds(),
			CircuitBreakerTriggered: tripped,
		},
	}
}
