package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tickerlab/datafeed/internal/breaker"
	"github.com/tickerlab/datafeed/internal/cache"
	"github.com/tickerlab/datafeed/internal/config"
	"github.com/tickerlab/datafeed/internal/dedup"
	"github.com/tickerlab/datafeed/internal/provider"
	"github.com/tickerlab/datafeed/internal/telemetry"
)

// DefaultTimeout bounds each provider attempt when the request does not
// override it.
const DefaultTimeout = 10 * time.Second

// cacheKeyVersion is appended to every cache key so that envelope format
// changes can invalidate old entries wholesale.
const cacheKeyVersion = "v1"

// Orchestrator resolves logical data requests by consulting the cache, then
// one or more providers according to the composition mode, while the breaker
// registry isolates failing providers and the dedup registry collapses
// concurrent identical requests. Safe for concurrent use.
type Orchestrator[T any] struct {
	cache    *cache.Facade[T]
	breakers *breaker.Registry
	dedup    *dedup.Registry[*Result[T]]
	sink     *telemetry.Sink
	ttls     config.TTLTable
	timeout  time.Duration
}

// Options configures a new Orchestrator.
type Options struct {
	Store          cache.Store
	Breakers       *breaker.Registry
	Sink           *telemetry.Sink
	TTLs           config.TTLTable
	StaleWindow    time.Duration
	DefaultTimeout time.Duration
}

// New wires an orchestrator from explicit dependencies; nothing here is a
// process singleton, which keeps tests parallel-safe.
func New[T any](opts Options) *Orchestrator[T] {
	if opts.Sink == nil {
		opts.Sink = telemetry.NewSink()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Orchestrator[T]{
		cache:    cache.NewFacade[T](opts.Store, opts.StaleWindow),
		breakers: opts.Breakers,
		dedup:    dedup.NewRegistry[*Result[T]](),
		sink:     opts.Sink,
		ttls:     opts.TTLs,
		timeout:  opts.DefaultTimeout,
	}
}

// Close stops background goroutines owned by the orchestrator.
func (o *Orchestrator[T]) Close() {
	o.dedup.StopCleanup()
}

// Stats is the combined observability surface.
type Stats struct {
	CircuitBreakers map[string]breaker.Stats `json:"circuit_breakers"`
	Deduplication   dedup.Stats              `json:"deduplication"`
	Telemetry       telemetry.Stats          `json:"telemetry"`
}

// Stats snapshots the breaker registry, the dedup registry and telemetry.
func (o *Orchestrator[T]) Stats() Stats {
	return Stats{
		CircuitBreakers: o.breakers.AllStats(),
		Deduplication:   o.dedup.Stats(),
		Telemetry:       o.sink.Snapshot(),
	}
}

// FallbackRequest describes one FetchWithFallback call. Zero values select
// the defaults: cache consulted, stale rescue allowed, deduplication on,
// 10 s per-attempt timeout.
type FallbackRequest[T any] struct {
	Key            string
	Providers      []provider.Provider[T]
	CacheKeyPrefix string
	Kind           config.Kind
	Tier           config.Tier
	TTL            time.Duration // explicit override; 0 selects the table TTL
	Timeout        time.Duration // per provider attempt
	SkipCache      bool
	DisableStale   bool
	DisableDedup   bool

	// noStore suppresses the write-through on success. Only the merge path
	// sets it: individual provider values must not land under the merged key.
	noStore bool
}

// FetchWithFallback tries the providers strictly in the order supplied until
// one succeeds, short-circuiting on a fresh cache hit and falling back to an
// expired cache entry when everything fails.
func (o *Orchestrator[T]) FetchWithFallback(ctx context.Context, req FallbackRequest[T]) *Result[T] {
	start := time.Now()

	if req.DisableDedup {
		return o.fetchFallback(ctx, req, start)
	}

	dedupKey := req.CacheKeyPrefix + ":" + req.Key
	res, shared, err := o.dedup.Do(ctx, dedupKey, func() (*Result[T], error) {
		return o.fetchFallback(ctx, req, start), nil
	})
	if err != nil {
		// Follower wait aborted by its own context; the shared fetch keeps
		// running for the other waiters.
		return &Result[T]{
			Timestamp: time.Now(),
			Errors:    []*provider.Error{provider.Classify("", err)},
			Metadata: Metadata{
				ProvidersAttempted: []string{},
				DurationMS:         time.Since(start).Milliseconds(),
				Deduplicated:       true,
			},
		}
	}
	if shared {
		follower := *res
		follower.Metadata.Deduplicated = true
		return &follower
	}
	return res
}

func (o *Orchestrator[T]) fetchFallback(ctx context.Context, req FallbackRequest[T], start time.Time) *Result[T] {
	cacheKey := req.CacheKeyPrefix + ":" + req.Key + ":" + cacheKeyVersion
	ttl := o.resolveTTL(req.TTL, req.Kind, req.Tier)
	timeout := o.resolveTimeout(req.Timeout)

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

	var (
		errs      []*provider.Error
		attempted []string
		tripped   bool
	)

	for _, p := range req.Providers {
		name := p.Name()
		attempted = append(attempted, name)

		br, err := o.breakers.Get(name)
		if err != nil {
			log.Error().Str("provider", name).Err(err).Msg("Provider has no circuit breaker configuration")
			errs = append(errs, provider.NewError(name, provider.ErrCodeUnknown, err.Error()))
			continue
		}

		if !br.CanExecute() {
			errs = append(errs, &provider.Error{
				Provider:  name,
				Code:      provider.ErrCodeCircuitOpen,
				Message:   "circuit breaker open",
				Temporary: true,
			})
			tripped = true
			o.sink.Record(telemetry.Event{Type: telemetry.EventCircuitOpen, Provider: name, Key: req.Key})
			continue
		}

		if hc, ok := p.(provider.HealthChecker); ok && !hc.HealthCheck(ctx) {
			log.Warn().Str("provider", name).Msg("Provider health check failed, attempting anyway")
		}

		o.sink.Record(telemetry.Event{Type: telemetry.EventProviderAttempt, Provider: name, Key: req.Key})

		attemptStart := time.Now()
		val, ferr := o.fetchOne(ctx, p, req.Key, timeout)
		attemptMS := time.Since(attemptStart).Milliseconds()

		if ferr == nil {
			br.RecordSuccess()
			if !req.noStore {
				o.cache.Set(ctx, cacheKey, val, ttl)
			}
			o.sink.Record(telemetry.Event{
				Type:       telemetry.EventProviderSuccess,
				Provider:   name,
				Key:        req.Key,
				DurationMS: attemptMS,
			})
			return &Result[T]{
				Data:      &val,
				Source:    name,
				Cached:    false,
				Timestamp: time.Now(),
				AgeMS:     0,
				Errors:    errs,
				Metadata: Metadata{
					ProvidersAttempted:      attempted,
					DurationMS:              time.Since(start).Milliseconds(),
					CircuitBreakerTriggered: tripped,
				},
			}
		}

		br.RecordFailure()
		pe := provider.Classify(name, ferr)
		errs = append(errs, pe)
		o.sink.Record(telemetry.Event{
			Type:       telemetry.EventProviderFailure,
			Provider:   name,
			Key:        req.Key,
			DurationMS: attemptMS,
			ErrorCode:  pe.Code,
		})
		log.Warn().Str("provider", name).Str("key", req.Key).Str("code", pe.Code).
			Err(ferr).Msg("Provider fetch failed, trying next in chain")
	}

	if !req.DisableStale {
		if val, ok := o.cache.GetStale(ctx, cacheKey); ok {
			age, _ := o.cache.Age(ctx, cacheKey)
			o.sink.Record(telemetry.Event{Type: telemetry.EventStaleCacheUsed, Key: req.Key})
			log.Info().Str("key", req.Key).Int64("age_ms", age.Milliseconds()).
				Msg("All providers failed, serving stale cache entry")
			return &Result[T]{
				Data:      &val,
				Source:    SourceCache,
				Cached:    true,
				Timestamp: time.Now(),
				AgeMS:     age.Milliseconds(),
				Errors:    errs,
				Metadata: Metadata{
					ProvidersAttempted:      attempted,
					DurationMS:              time.Since(start).Milliseconds(),
					CircuitBreakerTriggered: tripped,
				},
			}
		}
	}

	o.sink.Record(telemetry.Event{
		Type:     telemetry.EventAllProvidersFailed,
		Key:      req.Key,
		Metadata: map[string]any{"providers": len(req.Providers)},
	})
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

// fetchOne races a single provider fetch against the per-attempt timeout.
// Providers are expected to honor ctx; the race also covers ones that don't.
func (o *Orchestrator[T]) fetchOne(ctx context.Context, p provider.Provider[T], key string, timeout time.Duration) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := p.Fetch(attemptCtx, key)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.val, out.err
	case <-attemptCtx.Done():
		var zero T
		return zero, attemptCtx.Err()
	}
}

func (o *Orchestrator[T]) resolveTTL(explicit time.Duration, kind config.Kind, tier config.Tier) time.Duration {
	if explicit > 0 {
		return explicit
	}
	return o.ttls.Lookup(kind, tier)
}

func (o *Orchestrator[T]) resolveTimeout(explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	return o.timeout
}
