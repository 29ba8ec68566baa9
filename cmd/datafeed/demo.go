package main

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tickerlab/datafeed/internal/breaker"
	"github.com/tickerlab/datafeed/internal/cache"
	"github.com/tickerlab/datafeed/internal/config"
	"github.com/tickerlab/datafeed/internal/orchestrator"
	"github.com/tickerlab/datafeed/internal/provider"
	"github.com/tickerlab/datafeed/internal/telemetry"
)

// Quote is the demo payload; real deployments parameterize the orchestrator
// over their own resource types.
type Quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the three orchestrator operations against canned providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runDemo(cmd.Context())
			return nil
		},
	}
}

func runDemo(ctx context.Context) {
	cfg := config.Defaults()
	store := cache.NewMemoryStore()
	defer store.Stop()

	orch := orchestrator.New[Quote](orchestrator.Options{
		Store:    store,
		Breakers: breaker.NewRegistry(cfg.Breakers),
		Sink:     telemetry.NewSink(),
		TTLs:     cfg.TTLs,
	})
	defer orch.Close()

	flaky := provider.Func[Quote]{
		ProviderName: "alphavantage",
		FetchFn: func(_ context.Context, key string) (Quote, error) {
			if rand.Intn(2) == 0 {
				return Quote{}, errors.New("network error: connection reset")
			}
			return Quote{Symbol: key, Price: 100 + rand.Float64()*50, Volume: 1_000_000}, nil
		},
	}
	steady := provider.Func[Quote]{
		ProviderName: "finnhub",
		FetchFn: func(_ context.Context, key string) (Quote, error) {
			return Quote{Symbol: key, Price: 99 + rand.Float64()*50, Volume: 900_000}, nil
		},
	}

	// Sequential fallback, twice: the second call should hit the cache.
	for i := 0; i < 2; i++ {
		res := orch.FetchWithFallback(ctx, orchestrator.FallbackRequest[Quote]{
			Key:            "AAPL",
			Providers:      []provider.Provider[Quote]{flaky, steady},
			CacheKeyPrefix: "quotes",
			Kind:           config.KindQuote,
			Tier:           config.TierPremium,
		})
		log.Info().Str("source", res.Source).Bool("cached", res.Cached).
			Int("errors", len(res.Errors)).Msg("Fallback fetch")
	}

	// Parallel merge: highest price wins.
	merged := orch.FetchWithMerge(ctx, orchestrator.MergeRequest[Quote]{
		Key:            "MSFT",
		Providers:      []provider.Provider[Quote]{flaky, steady},
		CacheKeyPrefix: "quotes-merged",
		Kind:           config.KindQuote,
		Tier:           config.TierPremium,
		Merge: func(parts []orchestrator.MergePart[Quote]) (Quote, bool) {
			if len(parts) == 0 {
				return Quote{}, false
			}
			best := parts[0].Data
			for _, p := range parts[1:] {
				if p.Data.Price > best.Price {
					best = p.Data
				}
			}
			return best, true
		},
	})
	log.Info().Str("source", merged.Source).Int("errors", len(merged.Errors)).Msg("Merge fetch")

	// Batched fan-out.
	batch := orch.BatchFetch(ctx, orchestrator.BatchRequest[Quote]{
		Keys:           []string{"AAPL", "MSFT", "GOOGL", "TSLA", "NVDA"},
		Provider:       demoBatchProvider{},
		CacheKeyPrefix: "quotes",
		Kind:           config.KindQuote,
		Tier:           config.TierPremium,
	})
	log.Info().Int("total", batch.Summary.Total).Int("cached", batch.Summary.Cached).
		Int("fresh", batch.Summary.Fresh).Msg("Batch fetch")

	stats := orch.Stats()
	log.Info().Float64("cache_hit_rate", stats.Telemetry.CacheHitRate).
		Int64("events", stats.Telemetry.TotalEvents).Msg("Demo complete")
}

type demoBatchProvider struct{}

func (demoBatchProvider) Name() string      { return "polygon" }
func (demoBatchProvider) MaxBatchSize() int { return 3 }

func (demoBatchProvider) Fetch(_ context.Context, key string) (Quote, error) {
	return Quote{Symbol: key, Price: 100, Volume: 500_000}, nil
}

func (demoBatchProvider) BatchFetch(_ context.Context, keys []string) (map[string]Quote, error) {
	time.Sleep(10 * time.Millisecond)
	out := make(map[string]Quote, len(keys))
	for _, k := range keys {
		out[k] = Quote{Symbol: k, Price: 100 + float64(len(k)), Volume: 500_000}
	}
	return out, nil
}
