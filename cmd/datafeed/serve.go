package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tickerlab/datafeed/internal/breaker"
	"github.com/tickerlab/datafeed/internal/cache"
	"github.com/tickerlab/datafeed/internal/config"
	"github.com/tickerlab/datafeed/internal/httpapi"
	"github.com/tickerlab/datafeed/internal/orchestrator"
	"github.com/tickerlab/datafeed/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the observability server over a live orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Defaults()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}

			store := newStore()
			sink := telemetry.NewSink()
			promReg := prometheus.NewRegistry()
			sink.AttachPrometheus(telemetry.NewPromBridge(promReg))

			orch := orchestrator.New[Quote](orchestrator.Options{
				Store:          store,
				Breakers:       breaker.NewRegistry(cfg.Breakers),
				Sink:           sink,
				TTLs:           cfg.TTLs,
				StaleWindow:    cfg.StaleWindow,
				DefaultTimeout: cfg.DefaultTimeout,
			})
			defer orch.Close()

			srv := httpapi.New(addr, func() any { return orch.Stats() }, promReg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
				return srv.Shutdown(context.Background())
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address for the observability server")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config overlay")
	return cmd
}

// newStore picks Redis when REDIS_ADDR is set, otherwise process memory.
func newStore() cache.Store {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		log.Info().Str("addr", addr).Msg("Using Redis cache store")
		return cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), 0)
	}
	return cache.NewMemoryStore()
}
