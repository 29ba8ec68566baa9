package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the closed set of orchestrator events.
type EventType string

const (
	EventCacheHit                   EventType = "cache_hit"
	EventCacheMiss                  EventType = "cache_miss"
	EventStaleCacheUsed             EventType = "stale_cache_used"
	EventProviderAttempt            EventType = "provider_attempt"
	EventProviderSuccess            EventType = "provider_success"
	EventProviderFailure            EventType = "provider_failure"
	EventCircuitOpen                EventType = "circuit_open"
	EventMergeSuccess               EventType = "merge_success"
	EventMergeFailed                EventType = "merge_failed"
	EventMergeInsufficientProviders EventType = "merge_insufficient_providers"
	EventBatchFetch                 EventType = "batch_fetch"
	EventAllProvidersFailed         EventType = "all_providers_failed"
)

// RecentEventCap bounds the ring of retained events; eviction is drop-oldest.
const RecentEventCap = 1000

// Event is one structured telemetry record.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Provider   string         `json:"provider,omitempty"`
	Key        string         `json:"key,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Stats is an aggregate snapshot of everything the sink has seen.
type Stats struct {
	TotalEvents        int64                       `json:"total_events"`
	CacheHits          int64                       `json:"cache_hits"`
	CacheMisses        int64                       `json:"cache_misses"`
	CacheHitRate       float64                     `json:"cache_hit_rate"` // percent
	StaleCacheUsed     int64                       `json:"stale_cache_used"`
	CircuitOpenEvents  int64                       `json:"circuit_open_events"`
	MergeSuccesses     int64                       `json:"merge_successes"`
	MergeFailures      int64                       `json:"merge_failures"`
	BatchOperations    int64                       `json:"batch_operations"`
	AllProvidersFailed int64                       `json:"all_providers_failed"`
	ProviderAttempts   map[string]int64            `json:"provider_attempts"`
	ProviderSuccesses  map[string]int64            `json:"provider_successes"`
	ProviderErrors     map[string]map[string]int64 `json:"provider_errors"`
}

// Sink records typed events and maintains O(1) aggregates plus a bounded
// ring of recent events. Record never blocks on I/O and never fails; it is
// safe on the caller's critical path.
type Sink struct {
	mu sync.Mutex

	stats             Stats
	providerAttempts  map[string]int64
	providerSuccesses map[string]int64
	providerErrors    map[string]map[string]int64

	ring  []Event
	head  int // next write position
	count int

	bridge *PromBridge
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{
		providerAttempts:  make(map[string]int64),
		providerSuccesses: make(map[string]int64),
		providerErrors:    make(map[string]map[string]int64),
		ring:              make([]Event, RecentEventCap),
	}
}

// AttachPrometheus mirrors future events into the given bridge.
func (s *Sink) AttachPrometheus(b *PromBridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// Record ingests one event, stamping ID and timestamp when absent.
func (s *Sink) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.stats.TotalEvents++
	s.aggregate(ev)

	s.ring[s.head] = ev
	s.head = (s.head + 1) % RecentEventCap
	if s.count < RecentEventCap {
		s.count++
	}

	bridge := s.bridge
	hitRate := s.stats.CacheHitRate
	s.mu.Unlock()

	if bridge != nil {
		bridge.observe(ev, hitRate)
	}
}

// aggregate updates counters; caller holds the mutex.
func (s *Sink) aggregate(ev Event) {
	switch ev.Type {
	case EventCacheHit:
		s.stats.CacheHits++
		s.recomputeHitRate()
	case EventCacheMiss:
		s.stats.CacheMisses++
		s.recomputeHitRate()
	case EventStaleCacheUsed:
		s.stats.StaleCacheUsed++
	case EventCircuitOpen:
		s.stats.CircuitOpenEvents++
	case EventMergeSuccess:
		s.stats.MergeSuccesses++
	case EventMergeFailed, EventMergeInsufficientProviders:
		s.stats.MergeFailures++
	case EventBatchFetch:
		s.stats.BatchOperations++
	case EventAllProvidersFailed:
		s.stats.AllProvidersFailed++
	case EventProviderAttempt:
		s.providerAttempts[ev.Provider]++
	case EventProviderSuccess:
		s.providerSuccesses[ev.Provider]++
	case EventProviderFailure:
		byCode := s.providerErrors[ev.Provider]
		if byCode == nil {
			byCode = make(map[string]int64)
			s.providerErrors[ev.Provider] = byCode
		}
		code := ev.ErrorCode
		if code == "" {
			code = "UNKNOWN"
		}
		byCode[code]++
	}
}

func (s *Sink) recomputeHitRate() {
	total := s.stats.CacheHits + s.stats.CacheMisses
	if total == 0 {
		s.stats.CacheHitRate = 0
		return
	}
	s.stats.CacheHitRate = 100 * float64(s.stats.CacheHits) / float64(total)
}

// Snapshot returns a copy of the aggregates.
func (s *Sink) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.ProviderAttempts = copyCounts(s.providerAttempts)
	out.ProviderSuccesses = copyCounts(s.providerSuccesses)
	out.ProviderErrors = make(map[string]map[string]int64, len(s.providerErrors))
	for p, byCode := range s.providerErrors {
		out.ProviderErrors[p] = copyCounts(byCode)
	}
	return out
}

// RecentEvents returns up to n retained events, oldest first.
func (s *Sink) RecentEvents(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]Event, 0, n)
	start := (s.head - n + RecentEventCap) % RecentEventCap
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%RecentEventCap])
	}
	return out
}

// Reset clears all aggregates and retained events (tests only).
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = Stats{}
	s.providerAttempts = make(map[string]int64)
	s.providerSuccesses = make(map[string]int64)
	s.providerErrors = make(map[string]map[string]int64)
	s.ring = make([]Event, RecentEventCap)
	s.head = 0
	s.count = 0
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
