package orchestrator

import (
	"time"

	"github.com/tickerlab/datafeed/internal/provider"
)

// Source labels for results that did not come from a single provider.
const (
	SourceCache  = "cache"
	SourceMerged = "merged"
)

// Metadata describes how a result was produced.
type Metadata struct {
	ProvidersAttempted      []string `json:"providers_attempted"`
	DurationMS              int64    `json:"duration_ms"`
	CircuitBreakerTriggered bool     `json:"circuit_breaker_triggered"`
	Deduplicated            bool     `json:"deduplicated"`
}

// Result is the immutable envelope returned for every single-resource fetch.
// Data is nil when every layer failed. Callers distinguish fresh, cached,
// stale-cached and absent outcomes from the envelope alone; no errors are
// raised.
type Result[T any] struct {
	Data      *T                `json:"data,omitempty"`
	Source    string            `json:"source"`
	Cached    bool              `json:"cached"`
	Timestamp time.Time         `json:"timestamp"`
	AgeMS     int64             `json:"age_ms"`
	Errors    []*provider.Error `json:"errors,omitempty"`
	Metadata  Metadata          `json:"metadata"`
}

// BatchSummary aggregates one BatchFetch call.
type BatchSummary struct {
	Total      int   `json:"total"`
	Successful int   `json:"successful"`
	Failed     int   `json:"failed"`
	Cached     int   `json:"cached"`
	Fresh      int   `json:"fresh"`
	DurationMS int64 `json:"duration_ms"`
}

// BatchResult maps each requested key to its envelope, failed keys to their
// error lists, and carries the summary counters.
type BatchResult[T any] struct {
	Results map[string]*Result[T]        `json:"results"`
	Errors  map[string][]*provider.Error `json:"errors,omitempty"`
	Summary BatchSummary                 `json:"summary"`
}
