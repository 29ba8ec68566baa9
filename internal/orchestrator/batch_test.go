package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerlab/datafeed/internal/provider"
)

// batchStub records the chunks it is asked for and serves quotes at a fixed
// price, skipping any key listed in missing.
type batchStub struct {
	name     string
	maxBatch int
	price    float64
	missing  map[string]bool
	err      error

	mu     sync.Mutex
	chunks [][]string
}

func (b *batchStub) Name() string      { return b.name }
func (b *batchStub) MaxBatchSize() int { return b.maxBatch }

func (b *batchStub) Fetch(ctx context.Context, key string) (quote, error) {
	vals, err := b.BatchFetch(ctx, []string{key})
	if err != nil {
		return quote{}, err
	}
	return vals[key], nil
}

func (b *batchStub) BatchFetch(_ context.Context, keys []string) (map[string]quote, error) {
	b.mu.Lock()
	b.chunks = append(b.chunks, append([]string(nil), keys...))
	b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}
	out := make(map[string]quote, len(keys))
	for _, k := range keys {
		if b.missing[k] {
			continue
		}
		out[k] = quote{Symbol: k, Price: b.price}
	}
	return out, nil
}

func (b *batchStub) calls() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks
}

func TestBatchFetch_MixedCacheAndProvider(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()
	stub := &batchStub{name: "primary", maxBatch: 10, price: 50}

	// Warm two of the five keys.
	warm := o.BatchFetch(ctx, BatchRequest[quote]{
		Keys:           []string{"AAPL", "MSFT"},
		Provider:       stub,
		CacheKeyPrefix: "quotes",
		TTL:            time.Minute,
	})
	require.Equal(t, 2, warm.Summary.Successful)

	res := o.BatchFetch(ctx, BatchRequest[quote]{
		Keys:           []string{"AAPL", "MSFT", "GOOG", "AMZN", "META"},
		Provider:       stub,
		CacheKeyPrefix: "quotes",
		TTL:            time.Minute,
	})

	assert.Equal(t, 5, res.Summary.Total)
	assert.Equal(t, 5, res.Summary.Successful)
	assert.Equal(t, 0, res.Summary.Failed)
	assert.Equal(t, 2, res.Summary.Cached)
	assert.Equal(t, 3, res.Summary.Fresh)

	require.Len(t, res.Results, 5)
	assert.True(t, res.Results["AAPL"].Cached)
	assert.Equal(t, SourceCache, res.Results["AAPL"].Source)
	assert.False(t, res.Results["GOOG"].Cached)
	assert.Equal(t, "primary", res.Results["GOOG"].Source)

	calls := stub.calls()
	require.Len(t, calls, 2, "warmup plus one chunk for the uncached leftovers")
	assert.Equal(t, []string{"GOOG", "AMZN", "META"}, calls[1], "cached keys never reach the provider")
}

func TestBatchFetch_AllCachedSkipsProvider(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()
	stub := &batchStub{name: "primary", maxBatch: 10, price: 50}

	keys := []string{"AAPL", "MSFT"}
	o.BatchFetch(ctx, BatchRequest[quote]{Keys: keys, Provider: stub, CacheKeyPrefix: "quotes", TTL: time.Minute})

	res := o.BatchFetch(ctx, BatchRequest[quote]{Keys: keys, Provider: stub, CacheKeyPrefix: "quotes", TTL: time.Minute})

	assert.Equal(t, 2, res.Summary.Cached)
	assert.Equal(t, 2, res.Summary.Successful)
	assert.Zero(t, res.Summary.Fresh)
	assert.Len(t, stub.calls(), 1, "fully cached batches never reach the provider")
}

func TestBatchFetch_ChunksRespectMaxBatchSize(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()
	stub := &batchStub{name: "primary", maxBatch: 2, price: 50}

	res := o.BatchFetch(ctx, BatchRequest[quote]{
		Keys:           []string{"a", "b", "c", "d", "e"},
		Provider:       stub,
		CacheKeyPrefix: "quotes",
		SkipCache:      true,
		TTL:            time.Minute,
	})

	assert.Equal(t, 5, res.Summary.Successful)

	calls := stub.calls()
	require.Len(t, calls, 3)
	sizes := make(map[int]int)
	for _, c := range calls {
		assert.LessOrEqual(t, len(c), 2)
		sizes[len(c)]++
	}
	assert.Equal(t, map[int]int{2: 2, 1: 1}, sizes)
}

func TestBatchFetch_OmittedKeysAreNotFound(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()
	stub := &batchStub{name: "primary", maxBatch: 10, price: 50, missing: map[string]bool{"DELISTED": true}}

	res := o.BatchFetch(ctx, BatchRequest[quote]{
		Keys:           []string{"AAPL", "DELISTED"},
		Provider:       stub,
		CacheKeyPrefix: "quotes",
		SkipCache:      true,
		TTL:            time.Minute,
	})

	assert.Equal(t, 1, res.Summary.Successful)
	assert.Equal(t, 1, res.Summary.Failed)

	require.Contains(t, res.Errors, "DELISTED")
	require.Len(t, res.Errors["DELISTED"], 1)
	assert.Equal(t, provider.ErrCodeNotFound, res.Errors["DELISTED"][0].Code)
	assert.NotContains(t, res.Results, "DELISTED")
}

func TestBatchFetch_ChunkFailureCountsOnce(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()
	stub := &batchStub{name: "primary", maxBatch: 10, err: errors.New("upstream 500")}

	res := o.BatchFetch(ctx, BatchRequest[quote]{
		Keys:           []string{"a", "b", "c", "d", "e"},
		Provider:       stub,
		CacheKeyPrefix: "quotes",
		SkipCache:      true,
		TTL:            time.Minute,
	})

	assert.Zero(t, res.Summary.Successful)
	assert.Equal(t, 5, res.Summary.Failed)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.Contains(t, res.Errors, key)
	}

	stats := o.Stats().CircuitBreakers["primary"]
	assert.Equal(t, 1, stats.FailureCount, "one failed chunk is one breaker failure, not five")
	assert.Equal(t, "closed", stats.State)
}

func TestBatchFetch_OpenBreakerFailsFast(t *testing.T) {
	o, sink := newTestOrch(t)
	ctx := context.Background()
	stub := &batchStub{name: "primary", maxBatch: 10, err: errors.New("upstream 500")}

	// Threshold is 3; three failed single-chunk batches trip the breaker.
	for i := 0; i < 3; i++ {
		o.BatchFetch(ctx, BatchRequest[quote]{
			Keys:           []string{"a"},
			Provider:       stub,
			CacheKeyPrefix: "quotes",
			SkipCache:      true,
			TTL:            time.Minute,
		})
	}
	require.Len(t, stub.calls(), 3)

	res := o.BatchFetch(ctx, BatchRequest[quote]{
		Keys:           []string{"a", "b"},
		Provider:       stub,
		CacheKeyPrefix: "quotes",
		SkipCache:      true,
		TTL:            time.Minute,
	})

	assert.Equal(t, 2, res.Summary.Failed)
	require.Contains(t, res.Errors, "a")
	assert.Equal(t, provider.ErrCodeCircuitOpen, res.Errors["a"][0].Code)
	assert.Len(t, stub.calls(), 3, "open breaker blocks the chunk without an upstream call")
	assert.Equal(t, int64(1), sink.Snapshot().CircuitOpenEvents)
}

func TestBatchFetch_WritesThroughToCache(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()
	stub := &batchStub{name: "primary", maxBatch: 10, price: 50}

	o.BatchFetch(ctx, BatchRequest[quote]{
		Keys:           []string{"AAPL"},
		Provider:       stub,
		CacheKeyPrefix: "quotes",
		TTL:            time.Minute,
	})

	// The single fetch path sees the batch write.
	res := o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key:            "AAPL",
		Providers:      []provider.Provider[quote]{stub},
		CacheKeyPrefix: "quotes",
	})
	require.NotNil(t, res.Data)
	assert.True(t, res.Cached)
	assert.Equal(t, 50.0, res.Data.Price)
	assert.Len(t, stub.calls(), 1)
}

func TestChunkKeys(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{keys}, chunkKeys(keys, 0))
	assert.Equal(t, [][]string{keys}, chunkKeys(keys, 5))
	assert.Equal(t, [][]string{keys}, chunkKeys(keys, 10))
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunkKeys(keys, 2))
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e"}}, chunkKeys(keys, 3))
}
