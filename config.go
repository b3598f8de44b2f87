package httpclient

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML file representation of a client configuration.
// Durations use Go duration syntax ("30s", "1m30s"). Zero values mean
// "use the default"; features like the circuit breaker and rate limiter
// are enabled only when their section is present.
type Config struct {
	Timeout string      `yaml:"timeout"`
	Cache   CacheConfig `yaml:"cache"`
	Retry   RetryYAML   `yaml:"retry"`

	CircuitBreaker *CircuitBreakerYAML `yaml:"circuit_breaker"`
	RateLimiter    *RateLimiterYAML    `yaml:"rate_limiter"`

	Deduplication bool `yaml:"deduplication"`
	Metrics       bool `yaml:"metrics"`
}

// CacheConfig contains cache-related configuration.
type CacheConfig struct {
	Mode                 string   `yaml:"mode"` // off, manual, force or standard
	MaxEntries           int      `yaml:"max_entries"`
	TTL                  string   `yaml:"ttl"`
	StaleWhileRevalidate string   `yaml:"stale_while_revalidate"`
	VaryHeaders          []string `yaml:"vary_headers"`
}

// RetryYAML contains retry-related configuration.
type RetryYAML struct {
	MaxRetries *int     `yaml:"max_retries"`
	RetryOn    []int    `yaml:"retry_on"`
	BaseDelay  string   `yaml:"base_delay"`
	MaxDelay   string   `yaml:"max_delay"`
	Jitter     *float64 `yaml:"jitter"`
}

// CircuitBreakerYAML contains circuit breaker configuration.
type CircuitBreakerYAML struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
}

// RateLimiterYAML contains rate limiter configuration.
type RateLimiterYAML struct {
	MaxTokens  int    `yaml:"max_tokens"`
	RefillRate string `yaml:"refill_rate"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks field formats and ranges.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"timeout":                      c.Timeout,
		"cache.ttl":                    c.Cache.TTL,
		"cache.stale_while_revalidate": c.Cache.StaleWhileRevalidate,
		"retry.base_delay":             c.Retry.BaseDelay,
		"retry.max_delay":              c.Retry.MaxDelay,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s duration: %w", name, err)
		}
	}

	switch c.Cache.Mode {
	case "", string(CacheModeOff), string(CacheModeManual), string(CacheModeForce), string(CacheModeStandard):
	default:
		return fmt.Errorf("cache mode must be off, manual, force or standard, got: %s", c.Cache.Mode)
	}

	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative, got: %d", *c.Retry.MaxRetries)
	}
	if c.Retry.Jitter != nil && (*c.Retry.Jitter < 0 || *c.Retry.Jitter > 1) {
		return fmt.Errorf("retry.jitter must be between 0 and 1, got: %g", *c.Retry.Jitter)
	}

	if c.CircuitBreaker != nil {
		if c.CircuitBreaker.FailureThreshold <= 0 {
			return fmt.Errorf("circuit_breaker.failure_threshold must be positive, got: %d", c.CircuitBreaker.FailureThreshold)
		}
		if c.CircuitBreaker.RecoveryTimeout != "" {
			if _, err := time.ParseDuration(c.CircuitBreaker.RecoveryTimeout); err != nil {
				return fmt.Errorf("invalid circuit_breaker.recovery_timeout duration: %w", err)
			}
		}
	}

	if c.RateLimiter != nil {
		if c.RateLimiter.MaxTokens <= 0 {
			return fmt.Errorf("rate_limiter.max_tokens must be positive, got: %d", c.RateLimiter.MaxTokens)
		}
		if c.RateLimiter.RefillRate == "" {
			return fmt.Errorf("rate_limiter.refill_rate is required")
		}
		if _, err := time.ParseDuration(c.RateLimiter.RefillRate); err != nil {
			return fmt.Errorf("invalid rate_limiter.refill_rate duration: %w", err)
		}
	}

	return nil
}

// Options converts the parsed configuration into client options. Absent
// fields produce no option, so the client defaults apply.
func (c *Config) Options() []Option {
	var options []Option

	if d := parseDuration(c.Timeout); d > 0 {
		options = append(options, WithTimeout(d))
	}

	if c.Cache.Mode != "" {
		options = append(options, WithCacheMode(CacheMode(c.Cache.Mode)))
	}
	if c.Cache.MaxEntries > 0 {
		options = append(options, WithMaxEntries(c.Cache.MaxEntries))
	}
	if d := parseDuration(c.Cache.TTL); d > 0 {
		options = append(options, WithTTL(d))
	}
	if d := parseDuration(c.Cache.StaleWhileRevalidate); d > 0 {
		options = append(options, WithStaleWhileRevalidate(d))
	}
	if len(c.Cache.VaryHeaders) > 0 {
		options = append(options, WithVaryHeaders(c.Cache.VaryHeaders...))
	}

	if c.Retry.MaxRetries != nil {
		options = append(options, WithMaxRetries(*c.Retry.MaxRetries))
	}
	if len(c.Retry.RetryOn) > 0 {
		options = append(options, WithRetryOn(c.Retry.RetryOn...))
	}
	if d := parseDuration(c.Retry.BaseDelay); d > 0 {
		options = append(options, WithBaseDelay(d))
	}
	if d := parseDuration(c.Retry.MaxDelay); d > 0 {
		options = append(options, WithMaxDelay(d))
	}
	if c.Retry.Jitter != nil {
		options = append(options, WithJitter(*c.Retry.Jitter))
	}

	if c.CircuitBreaker != nil {
		options = append(options, WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  parseDuration(c.CircuitBreaker.RecoveryTimeout),
		}))
	}

	if c.RateLimiter != nil {
		options = append(options, WithRateLimiter(c.RateLimiter.MaxTokens, parseDuration(c.RateLimiter.RefillRate)))
	}

	if c.Deduplication {
		options = append(options, WithDeduplication())
	}
	if c.Metrics {
		options = append(options, WithMetrics())
	}

	return options
}

// parseDuration returns the parsed duration or zero; Validate has already
// rejected malformed values.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
