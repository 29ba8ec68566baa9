package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerlab/datafeed/internal/breaker"
	"github.com/tickerlab/datafeed/internal/cache"
	"github.com/tickerlab/datafeed/internal/provider"
	"github.com/tickerlab/datafeed/internal/telemetry"
)

type quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func testBreakers() *breaker.Registry {
	return breaker.NewRegistry(map[string]breaker.Config{
		"primary":   {FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenMaxRequests: 1},
		"secondary": {FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenMaxRequests: 1},
		"tertiary":  {FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenMaxRequests: 1},
	})
}

func newTestOrch(t *testing.T) (*Orchestrator[quote], *telemetry.Sink) {
	t.Helper()
	store := cache.NewMemoryStore()
	t.Cleanup(store.Stop)

	sink := telemetry.NewSink()
	o := New[quote](Options{
		Store:       store,
		Breakers:    testBreakers(),
		Sink:        sink,
		StaleWindow: time.Hour,
	})
	t.Cleanup(o.Close)
	return o, sink
}

func okProvider(name string, price float64, calls *int32) provider.Func[quote] {
	return provider.Func[quote]{
		ProviderName: name,
		FetchFn: func(_ context.Context, key string) (quote, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return quote{Symbol: key, Price: price}, nil
		},
	}
}

func failProvider(name, msg string, calls *int32) provider.Func[quote] {
	return provider.Func[quote]{
		ProviderName: name,
		FetchFn: func(context.Context, string) (quote, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return quote{}, errors.New(msg)
		},
	}
}

func TestFetchWithFallback_CacheHitShortCircuits(t *testing.T) {
	o, sink := newTestOrch(t)
	ctx := context.Background()
	var calls int32

	req := FallbackRequest[quote]{
		Key:            "AAPL",
		Providers:      []provider.Provider[quote]{okProvider("primary", 100, &calls)},
		CacheKeyPrefix: "quotes",
		TTL:            time.Minute,
	}

	first := o.FetchWithFallback(ctx, req)
	require.NotNil(t, first.Data)
	assert.Equal(t, "primary", first.Source)
	assert.False(t, first.Cached)

	second := o.FetchWithFallback(ctx, req)
	require.NotNil(t, second.Data)
	assert.Equal(t, SourceCache, second.Source)
	assert.True(t, second.Cached)
	assert.Empty(t, second.Metadata.ProvidersAttempted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "cache hit never reaches the provider")
	assert.Equal(t, int64(1), sink.Snapshot().CacheHits)
}

func TestFetchWithFallback_PrimaryFailsSecondarySucceeds(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()

	res := o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key: "AAPL",
		Providers: []provider.Provider[quote]{
			failProvider("primary", "network unreachable", nil),
			okProvider("secondary", 101.5, nil),
		},
		CacheKeyPrefix: "quotes",
		TTL:            time.Minute,
	})

	require.NotNil(t, res.Data)
	assert.Equal(t, "secondary", res.Source)
	assert.Equal(t, 101.5, res.Data.Price)
	assert.Equal(t, []string{"primary", "secondary"}, res.Metadata.ProvidersAttempted)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "primary", res.Errors[0].Provider)
	assert.Equal(t, provider.ErrCodeNetworkError, res.Errors[0].Code)
	assert.False(t, res.Metadata.CircuitBreakerTriggered)
}

func TestFetchWithFallback_BreakerOpensAndBlocks(t *testing.T) {
	o, sink := newTestOrch(t)
	ctx := context.Background()
	var primaryCalls int32

	req := FallbackRequest[quote]{
		Key: "AAPL",
		Providers: []provider.Provider[quote]{
			failProvider("primary", "connection reset", &primaryCalls),
			okProvider("secondary", 99, nil),
		},
		CacheKeyPrefix: "quotes",
		SkipCache:      true,
		DisableStale:   true,
		DisableDedup:   true,
	}

	// Threshold is 3: these calls trip the primary's breaker.
	for i := 0; i < 3; i++ {
		res := o.FetchWithFallback(ctx, req)
		require.NotNil(t, res.Data)
		assert.Equal(t, "secondary", res.Source)
	}

	res := o.FetchWithFallback(ctx, req)
	require.NotNil(t, res.Data)
	assert.Equal(t, "secondary", res.Source)
	assert.True(t, res.Metadata.CircuitBreakerTriggered)
	assert.Equal(t, []string{"primary", "secondary"}, res.Metadata.ProvidersAttempted,
		"a blocked provider still counts as attempted")

	require.Len(t, res.Errors, 1)
	assert.Equal(t, provider.ErrCodeCircuitOpen, res.Errors[0].Code)

	assert.Equal(t, int32(3), atomic.LoadInt32(&primaryCalls), "open breaker blocks the upstream call")
	assert.Equal(t, int64(1), sink.Snapshot().CircuitOpenEvents)
}

func TestFetchWithFallback_StaleRescue(t *testing.T) {
	o, sink := newTestOrch(t)
	ctx := context.Background()

	seed := FallbackRequest[quote]{
		Key:            "AAPL",
		Providers:      []provider.Provider[quote]{okProvider("primary", 100, nil)},
		CacheKeyPrefix: "quotes",
		TTL:            50 * time.Millisecond,
		DisableDedup:   true,
	}
	require.NotNil(t, o.FetchWithFallback(ctx, seed).Data)

	time.Sleep(100 * time.Millisecond)

	res := o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key: "AAPL",
		Providers: []provider.Provider[quote]{
			failProvider("primary", "network down", nil),
			failProvider("secondary", "network down", nil),
		},
		CacheKeyPrefix: "quotes",
		TTL:            50 * time.Millisecond,
		DisableDedup:   true,
	})

	require.NotNil(t, res.Data, "expired entry rescues a total provider outage")
	assert.Equal(t, SourceCache, res.Source)
	assert.True(t, res.Cached)
	assert.GreaterOrEqual(t, res.AgeMS, int64(100))
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, int64(1), sink.Snapshot().StaleCacheUsed)
}

func TestFetchWithFallback_AllFailAbsent(t *testing.T) {
	o, sink := newTestOrch(t)
	ctx := context.Background()

	res := o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key: "AAPL",
		Providers: []provider.Provider[quote]{
			failProvider("primary", "timeout talking to upstream", nil),
			failProvider("secondary", "got 429", nil),
		},
		CacheKeyPrefix: "quotes",
		DisableStale:   true,
	})

	assert.Nil(t, res.Data)
	assert.Empty(t, res.Source)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, provider.ErrCodeTimeout, res.Errors[0].Code)
	assert.Equal(t, provider.ErrCodeRateLimit, res.Errors[1].Code)
	assert.Equal(t, int64(1), sink.Snapshot().AllProvidersFailed)
}

func TestFetchWithFallback_AttemptTimeout(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()

	slow := provider.Func[quote]{
		ProviderName: "primary",
		FetchFn: func(ctx context.Context, _ string) (quote, error) {
			select {
			case <-time.After(5 * time.Second):
				return quote{Symbol: "AAPL"}, nil
			case <-ctx.Done():
				return quote{}, ctx.Err()
			}
		},
	}

	res := o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key:            "AAPL",
		Providers:      []provider.Provider[quote]{slow},
		CacheKeyPrefix: "quotes",
		Timeout:        50 * time.Millisecond,
		DisableStale:   true,
	})

	assert.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, provider.ErrCodeTimeout, res.Errors[0].Code)
}

func TestFetchWithFallback_UnconfiguredProviderSkipped(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()

	res := o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key: "AAPL",
		Providers: []provider.Provider[quote]{
			okProvider("rogue", 1, nil), // not in the breaker table
			okProvider("secondary", 2, nil),
		},
		CacheKeyPrefix: "quotes",
		SkipCache:      true,
	})

	require.NotNil(t, res.Data)
	assert.Equal(t, "secondary", res.Source)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, provider.ErrCodeUnknown, res.Errors[0].Code)
}

func TestFetchWithFallback_Dedup(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	slow := provider.Func[quote]{
		ProviderName: "primary",
		FetchFn: func(context.Context, string) (quote, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return quote{Symbol: "AAPL", Price: 100}, nil
		},
	}
	req := FallbackRequest[quote]{
		Key:            "AAPL",
		Providers:      []provider.Provider[quote]{slow},
		CacheKeyPrefix: "quotes",
		TTL:            time.Minute,
	}

	const n = 5
	results := make([]*Result[quote], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.FetchWithFallback(ctx, req)
		}(i)
	}

	// Let all callers pile onto the in-flight entry before the leader returns.
	require.Eventually(t, func() bool {
		return o.Stats().Deduplication.Pending == 1
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent identical requests collapse to one fetch")

	shared := 0
	for _, res := range results {
		require.NotNil(t, res.Data)
		assert.Equal(t, 100.0, res.Data.Price)
		if res.Metadata.Deduplicated {
			shared++
		}
	}
	assert.Equal(t, n-1, shared, "every follower is flagged, the leader is not")
}

func TestFetchWithFallback_DisableDedup(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()

	var calls int32
	var start sync.WaitGroup
	start.Add(2)
	slow := provider.Func[quote]{
		ProviderName: "primary",
		FetchFn: func(context.Context, string) (quote, error) {
			atomic.AddInt32(&calls, 1)
			start.Done()
			start.Wait()
			return quote{Symbol: "AAPL"}, nil
		},
	}
	req := FallbackRequest[quote]{
		Key:            "AAPL",
		Providers:      []provider.Provider[quote]{slow},
		CacheKeyPrefix: "quotes",
		SkipCache:      true,
		DisableDedup:   true,
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.FetchWithFallback(ctx, req)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOrchestrator_Stats(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()

	o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key:            "AAPL",
		Providers:      []provider.Provider[quote]{okProvider("primary", 100, nil)},
		CacheKeyPrefix: "quotes",
	})

	stats := o.Stats()
	require.Contains(t, stats.CircuitBreakers, "primary")
	assert.Equal(t, "closed", stats.CircuitBreakers["primary"].State)
	assert.Equal(t, int64(1), stats.Telemetry.ProviderSuccesses["primary"])
	assert.Zero(t, stats.Deduplication.Pending)
}

func TestResolveTTL_TableFallback(t *testing.T) {
	o, _ := newTestOrch(t)

	assert.Equal(t, time.Minute, o.resolveTTL(time.Minute, "", ""))
	assert.Equal(t, 60*time.Second, o.resolveTTL(0, "quote", "free"),
		"nil table falls back to the default TTL")
}

func TestFetchWithFallback_EnvelopeStamping(t *testing.T) {
	o, _ := newTestOrch(t)
	ctx := context.Background()

	res := o.FetchWithFallback(ctx, FallbackRequest[quote]{
		Key:            fmt.Sprintf("AAPL-%d", time.Now().UnixNano()),
		Providers:      []provider.Provider[quote]{okProvider("primary", 100, nil)},
		CacheKeyPrefix: "quotes",
	})

	assert.False(t, res.Timestamp.IsZero())
	assert.GreaterOrEqual(t, res.Metadata.DurationMS, int64(0))
	assert.Zero(t, res.AgeMS, "fresh fetches have no age")
}
