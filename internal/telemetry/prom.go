package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromBridge mirrors sink events into Prometheus collectors so the /metrics
// endpoint reflects the same counters as Snapshot.
type PromBridge struct {
	events        *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	cacheHitRatio prometheus.Gauge
}

// NewPromBridge builds the collectors and registers them with reg.
func NewPromBridge(reg prometheus.Registerer) *PromBridge {
	b := &PromBridge{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafeed_events_total",
				Help: "Total orchestrator telemetry events by type",
			},
			[]string{"type"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafeed_provider_calls_total",
				Help: "Provider call outcomes by provider and result",
			},
			[]string{"provider", "result"},
		),
		cacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "datafeed_cache_hit_rate_percent",
				Help: "Current cache hit rate in percent",
			},
		),
	}

	reg.MustRegister(b.events, b.providerCalls, b.cacheHitRatio)
	return b
}

func (b *PromBridge) observe(ev Event, hitRatePercent float64) {
	b.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case EventProviderAttempt:
		b.providerCalls.WithLabelValues(ev.Provider, "attempt").Inc()
	case EventProviderSuccess:
		b.providerCalls.WithLabelValues(ev.Provider, "success").Inc()
	case EventProviderFailure:
		b.providerCalls.WithLabelValues(ev.Provider, "failure").Inc()
	case EventCacheHit, EventCacheMiss:
		b.cacheHitRatio.Set(hitRatePercent)
	}
}
