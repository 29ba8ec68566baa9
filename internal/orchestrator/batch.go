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

// BatchRequest describes one BatchFetch call against a single batch-capable
// provider.
type BatchRequest[T any] struct {
	Keys           []string
	Provider       provider.BatchProvider[T]
	CacheKeyPrefix string
	Kind           config.Kind
	Tier           config.Tier
	TTL            time.Duration
	Timeout        time.Duration
	SkipCache      bool
}

// BatchFetch resolves many keys at once: cache lookups in parallel, then the
// leftover keys chunked to at most the provider's MaxBatchSize and fanned
// out in parallel. The breaker is consulted once per chunk, and a chunk
// failure counts as one breaker failure regardless of chunk size. There is
// no stale-cache rescue on this path.
func (o *Orchestrator[T]) BatchFetch(ctx context.Context, req BatchRequest[T]) *BatchResult[T] {
	start := time.Now()
	ttl := o.resolveTTL(req.TTL, req.Kind, req.Tier)
	timeout := o.resolveTimeout(req.Timeout)
	name := req.Provider.Name()

	out := &BatchResult[T]{
		Results: make(map[string]*Result[T], len(req.Keys)),
		Errors:  make(map[string][]*provider.Error),
	}
	out.Summary.Total = len(req.Keys)

	var mu sync.Mutex
	var uncached []string

	if req.SkipCache {
		uncached = append(uncached, req.Keys...)
	} else {
		// Parallel cache probe; input order of the leftover list is restored
		// afterwards so chunking stays deterministic.
		hits := make([]bool, len(req.Keys))
		var wg sync.WaitGroup
		for i, key := range req.Keys {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				cacheKey := req.CacheKeyPrefix + ":" + key + ":" + cacheKeyVersion
				val, ok := o.cache.Get(ctx, cacheKey)
				if !ok {
					o.sink.Record(telemetry.Event{Type: telemetry.EventCacheMiss, Key: key})
					return
				}
				age, _ := o.cache.Age(ctx, cacheKey)
				o.sink.Record(telemetry.Event{Type: telemetry.EventCacheHit, Key: key})
				hits[i] = true
				mu.Lock()
				out.Results[key] = &Result[T]{
					Data:      &val,
					Source:    SourceCache,
					Cached:    true,
					Timestamp: time.Now(),
					AgeMS:     age.Milliseconds(),
					Metadata:  Metadata{ProvidersAttempted: []string{}},
				}
				mu.Unlock()
			}(i, key)
		}
		wg.Wait()

		for i, key := range req.Keys {
			if !hits[i] {
				uncached = append(uncached, key)
			}
		}
	}

	out.Summary.Cached = len(out.Results)

	if len(uncached) == 0 {
		out.Summary.Successful = out.Summary.Cached
		out.Summary.DurationMS = time.Since(start).Milliseconds()
		return out
	}

	chunks := chunkKeys(uncached, req.Provider.MaxBatchSize())
	o.sink.Record(telemetry.Event{
		Type:     telemetry.EventBatchFetch,
		Provider: name,
		Metadata: map[string]any{"uncached": len(uncached), "chunks": len(chunks)},
	})
	log.Debug().Str("provider", name).Int("uncached", len(uncached)).Int("chunks", len(chunks)).
		Msg("Dispatching batch chunks")

	var wg sync.WaitGroup
	for _, chunk := range chunks {
		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			o.fetchChunk(ctx, req, chunk, ttl, timeout, &mu, out)
		}(chunk)
	}
	wg.Wait()

	out.Summary.Successful = len(out.Results)
	out.Summary.Failed = len(out.Errors)
	out.Summary.Fresh = out.Summary.Successful - out.Summary.Cached
	out.Summary.DurationMS = time.Since(start).Milliseconds()
	return out
}

// fetchChunk resolves one chunk. The breaker decision covers the whole
// chunk; partial results are accepted and omitted keys are marked NOT_FOUND.
func (o *Orchestrator[T]) fetchChunk(ctx context.Context, req BatchRequest[T], chunk []string, ttl, timeout time.Duration, mu *sync.Mutex, out *BatchResult[T]) {
	name := req.Provider.Name()

	br, err := o.breakers.Get(name)
	if err != nil {
		log.Error().Str("provider", name).Err(err).Msg("Provider has no circuit breaker configuration")
		o.failChunk(chunk, provider.NewError(name, provider.ErrCodeUnknown, err.Error()), mu, out)
		return
	}

	if !br.CanExecute() {
		o.sink.Record(telemetry.Event{Type: telemetry.EventCircuitOpen, Provider: name})
		o.failChunk(chunk, &provider.Error{
			Provider:  name,
			Code:      provider.ErrCodeCircuitOpen,
			Message:   "circuit breaker open",
			Temporary: true,
		}, mu, out)
		return
	}

	o.sink.Record(telemetry.Event{
		Type:     telemetry.EventProviderAttempt,
		Provider: name,
		Metadata: map[string]any{"batch_size": len(chunk)},
	})

	attemptStart := time.Now()
	values, ferr := o.batchFetchOnce(ctx, req.Provider, chunk, timeout)
	attemptMS := time.Since(attemptStart).Milliseconds()

	if ferr != nil {
		br.RecordFailure()
		pe := provider.Classify(name, ferr)
		o.sink.Record(telemetry.Event{
			Type:       telemetry.EventProviderFailure,
			Provider:   name,
			DurationMS: attemptMS,
			ErrorCode:  pe.Code,
		})
		log.Warn().Str("provider", name).Int("chunk_size", len(chunk)).Str("code", pe.Code).
			Err(ferr).Msg("Batch chunk failed")
		o.failChunk(chunk, pe, mu, out)
		return
	}

	br.RecordSuccess()
	o.sink.Record(telemetry.Event{
		Type:       telemetry.EventProviderSuccess,
		Provider:   name,
		DurationMS: attemptMS,
		Metadata:   map[string]any{"returned": len(values)},
	})

	now := time.Now()
	for _, key := range chunk {
		val, ok := values[key]
		if !ok {
			mu.Lock()
			out.Errors[key] = append(out.Errors[key], provider.NewError(name, provider.ErrCodeNotFound, "key missing from batch response"))
			mu.Unlock()
			continue
		}
		cacheKey := req.CacheKeyPrefix + ":" + key + ":" + cacheKeyVersion
		o.cache.Set(ctx, cacheKey, val, ttl)
		v := val
		mu.Lock()
		out.Results[key] = &Result[T]{
			Data:      &v,
			Source:    name,
			Cached:    false,
			Timestamp: now,
			Metadata:  Metadata{ProvidersAttempted: []string{name}},
		}
		mu.Unlock()
	}
}

func (o *Orchestrator[T]) failChunk(chunk []string, pe *provider.Error, mu *sync.Mutex, out *BatchResult[T]) {
	mu.Lock()
	defer mu.Unlock()
	for _, key := range chunk {
		out.Errors[key] = append(out.Errors[key], pe)
	}
}

func (o *Orchestrator[T]) batchFetchOnce(ctx context.Context, p provider.BatchProvider[T], keys []string, timeout time.Duration) (map[string]T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		vals map[string]T
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		vals, err := p.BatchFetch(attemptCtx, keys)
		ch <- outcome{vals: vals, err: err}
	}()

	select {
	case out := <-ch:
		return out.vals, out.err
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	}
}

// chunkKeys splits keys greedily, in input order, into chunks of at most
// size; a non-positive size yields a single chunk.
func chunkKeys(keys []string, size int) [][]string {
	if size <= 0 || size >= len(keys) {
		return [][]string{keys}
	}
	var chunks [][]string
	for len(keys) > size {
		chunks = append(chunks, keys[:size])
		keys = keys[size:]
	}
	return append(chunks, keys)
}
