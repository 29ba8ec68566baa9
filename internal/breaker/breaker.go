package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the current state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker parameters for one provider.
type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold"`      // Consecutive failures to trip the circuit
	ResetTimeout        time.Duration `yaml:"-"`                      // How long to stay open
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"` // Probes allowed while half-open
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	return c
}

// Breaker gates calls to a single named provider through the
// closed/open/half-open state machine.
type Breaker struct {
	mu sync.Mutex

	name   string
	config Config

	state            State
	failureCount     int
	successCount     int64
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	nextRetryTime    time.Time
	halfOpenInFlight int
}

// New creates a breaker in the closed state.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// CanExecute reports whether a request to the provider may proceed. While
// open it flips to half-open once the retry time has passed; while half-open
// it admits at most HalfOpenMaxRequests probes until an outcome is recorded.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !time.Now().Before(b.nextRetryTime) {
			b.state = StateHalfOpen
			b.halfOpenInFlight = 0
			log.Info().Str("provider", b.name).Msg("Circuit breaker transitioning to half-open")
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenMaxRequests {
			b.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful provider call. In half-open the
// circuit closes on the first success.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.lastSuccessTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.halfOpenInFlight = 0
		b.nextRetryTime = time.Time{}
		log.Info().Str("provider", b.name).Msg("Circuit breaker closed after successful recovery")
	}
}

// RecordFailure registers a failed provider call. Crossing the failure
// threshold while closed, or any failure while half-open, opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// trip opens the circuit; caller must hold the mutex.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.nextRetryTime = time.Now().Add(b.config.ResetTimeout)
	b.halfOpenInFlight = 0
	log.Warn().
		Str("provider", b.name).
		Int("failures", b.failureCount).
		Time("retry_time", b.nextRetryTime).
		Msg("Circuit breaker tripped to open state")
}

// Reset forces the breaker back to closed (administrative).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInFlight = 0
	b.nextRetryTime = time.Time{}
	log.Info().Str("provider", b.name).Msg("Circuit breaker manually reset")
}

// Stats is a point-in-time breaker snapshot.
type Stats struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int64     `json:"success_count"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	LastSuccessTime  time.Time `json:"last_success_time"`
	NextRetryTime    time.Time `json:"next_retry_time"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:             b.name,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		LastFailureTime:  b.lastFailureTime,
		LastSuccessTime:  b.lastSuccessTime,
		NextRetryTime:    b.nextRetryTime,
		HalfOpenInFlight: b.halfOpenInFlight,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
