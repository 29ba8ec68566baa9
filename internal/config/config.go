package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tickerlab/datafeed/internal/breaker"
)

// Tier is the requesting user's subscription tier; it selects cache TTLs.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Kind is the logical resource kind being fetched.
type Kind string

const (
	KindQuote        Kind = "quote"
	KindFundamentals Kind = "fundamentals"
	KindNews         Kind = "news"
	KindEarnings     Kind = "earnings"
)

// TTLTable maps (resource kind, tier) to a cache TTL.
type TTLTable map[Kind]map[Tier]time.Duration

// DefaultTTL backstops lookups for kinds or tiers the table does not know.
const DefaultTTL = 60 * time.Second

// Lookup returns the TTL for the given kind and tier.
func (t TTLTable) Lookup(kind Kind, tier Tier) time.Duration {
	if byTier, ok := t[kind]; ok {
		if ttl, ok := byTier[tier]; ok {
			return ttl
		}
	}
	return DefaultTTL
}

// Config is the orchestrator's static configuration surface. Both tables are
// loaded at process start; hot reload is not supported.
type Config struct {
	Breakers       map[string]breaker.Config
	TTLs           TTLTable
	StaleWindow    time.Duration
	DefaultTimeout time.Duration
}

// Defaults returns the built-in configuration tables.
func Defaults() Config {
	return Config{
		Breakers: map[string]breaker.Config{
			"alphavantage": {FailureThreshold: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxRequests: 2},
			"finnhub":      {FailureThreshold: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxRequests: 2},
			"polygon":      {FailureThreshold: 3, ResetTimeout: 120 * time.Second, HalfOpenMaxRequests: 1},
			"yahoo":        {FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMaxRequests: 3},
			"newsapi":      {FailureThreshold: 3, ResetTimeout: 300 * time.Second, HalfOpenMaxRequests: 1},
			"edgar":        {FailureThreshold: 2, ResetTimeout: 600 * time.Second, HalfOpenMaxRequests: 1},
		},
		TTLs: TTLTable{
			KindQuote: {
				TierFree:    60 * time.Second,
				TierBasic:   30 * time.Second,
				TierPremium: 5 * time.Second,
			},
			KindFundamentals: {
				TierFree:    24 * time.Hour,
				TierBasic:   12 * time.Hour,
				TierPremium: 1 * time.Hour,
			},
			KindNews: {
				TierFree:    30 * time.Minute,
				TierBasic:   15 * time.Minute,
				TierPremium: 5 * time.Minute,
			},
			KindEarnings: {
				TierFree:    24 * time.Hour,
				TierBasic:   6 * time.Hour,
				TierPremium: 1 * time.Hour,
			},
		},
		StaleWindow:    1 * time.Hour,
		DefaultTimeout: 10 * time.Second,
	}
}

// File-level YAML schema. Durations are integer milliseconds, matching the
// rest of our operational config.
type fileConfig struct {
	Breakers  map[string]fileBreaker      `yaml:"breakers"`
	TTLsMS    map[string]map[string]int64 `yaml:"ttls_ms"`
	StaleMS   int64                       `yaml:"stale_window_ms"`
	TimeoutMS int64                       `yaml:"default_timeout_ms"`
}

type fileBreaker struct {
	FailureThreshold    int   `yaml:"failure_threshold"`
	ResetTimeoutMS      int64 `yaml:"reset_timeout_ms"`
	HalfOpenMaxRequests int   `yaml:"half_open_max_requests"`
}

// Load reads a YAML overlay and merges it over Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	for name, fb := range fc.Breakers {
		cfg.Breakers[name] = breaker.Config{
			FailureThreshold:    fb.FailureThreshold,
			ResetTimeout:        time.Duration(fb.ResetTimeoutMS) * time.Millisecond,
			HalfOpenMaxRequests: fb.HalfOpenMaxRequests,
		}
	}
	for kind, byTier := range fc.TTLsMS {
		dst := cfg.TTLs[Kind(kind)]
		if dst == nil {
			dst = make(map[Tier]time.Duration)
			cfg.TTLs[Kind(kind)] = dst
		}
		for tier, ms := range byTier {
			dst[Tier(tier)] = time.Duration(ms) * time.Millisecond
		}
	}
	if fc.StaleMS > 0 {
		cfg.StaleWindow = time.Duration(fc.StaleMS) * time.Millisecond
	}
	if fc.TimeoutMS > 0 {
		cfg.DefaultTimeout = time.Duration(fc.TimeoutMS) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate ensures the configuration is consistent.
func (c Config) Validate() error {
	for name, bc := range c.Breakers {
		if bc.FailureThreshold <= 0 {
			return fmt.Errorf("breaker %s: failure_threshold must be positive, got %d", name, bc.FailureThreshold)
		}
		if bc.ResetTimeout <= 0 {
			return fmt.Errorf("breaker %s: reset_timeout must be positive, got %s", name, bc.ResetTimeout)
		}
		if bc.HalfOpenMaxRequests <= 0 {
			return fmt.Errorf("breaker %s: half_open_max_requests must be positive, got %d", name, bc.HalfOpenMaxRequests)
		}
	}
	for kind, byTier := range c.TTLs {
		for tier, ttl := range byTier {
			if ttl <= 0 {
				return fmt.Errorf("ttl for %s/%s must be positive, got %s", kind, tier, ttl)
			}
		}
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	return nil
}
