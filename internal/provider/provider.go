package provider

import "context"

// Provider is the uniform adapter over one external data source. The name is
// stable and is the key under which circuit breakers and telemetry counters
// are registered.
type Provider[T any] interface {
	Name() string
	Fetch(ctx context.Context, key string) (T, error)
}

// BatchProvider can resolve many keys in a single upstream call. MaxBatchSize
// advertises the largest key set one call may carry; the orchestrator splits
// larger requests into chunks.
type BatchProvider[T any] interface {
	Provider[T]
	BatchFetch(ctx context.Context, keys []string) (map[string]T, error)
	MaxBatchSize() int
}

// HealthChecker is optionally implemented by providers that can cheaply
// report availability without performing a real fetch.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Func adapts a plain fetch function into a Provider.
type Func[T any] struct {
	ProviderName string
	FetchFn      func(ctx context.Context, key string) (T, error)
}

func (f Func[T]) Name() string { return f.ProviderName }

func (f Func[T]) Fetch(ctx context.Context, key string) (T, error) {
	return f.FetchFn(ctx, key)
}
