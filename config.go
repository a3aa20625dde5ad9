package runicrpc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for the human-readable
// form ("250ms", "30s") as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) std() time.Duration { return time.Duration(d) }

// Config is the YAML file representation of a client configuration. Every
// field is optional except providers; zero values fall back to the built-in
// defaults.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Fallback  *ProviderConfig  `yaml:"fallback"`
	Strategy  string           `yaml:"strategy"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker BreakerConfig        `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Health         HealthConfig         `yaml:"health"`
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Deduplication  *DeduplicationConfig `yaml:"deduplication"`
}

// ProviderConfig describes one upstream endpoint.
type ProviderConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	WSURL  string   `yaml:"ws_url"`
	Weight int      `yaml:"weight"`
	Tags   []string `yaml:"tags"`

	// Rate and Burst override the client-wide per-endpoint rate limit.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// RetryConfig configures retry and backoff behavior.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	Jitter         float64  `yaml:"jitter"`
	Strategy       string   `yaml:"strategy"` // "exponential" or "decorrelated"

	BudgetRetries int      `yaml:"budget_retries"`
	BudgetWindow  Duration `yaml:"budget_window"`
}

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout"`
	MaxOpenTimeout   Duration `yaml:"max_open_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool     `yaml:"enabled"`
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"max_entries"`
	// Methods lists method name prefixes eligible for caching.
	Methods []string `yaml:"methods"`
}

// RateLimitConfig configures token bucket rate limiting.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`

	GlobalRate  float64 `yaml:"global_rate"`
	GlobalBurst int     `yaml:"global_burst"`
}

// HealthConfig configures background health probing.
type HealthConfig struct {
	Disabled bool     `yaml:"disabled"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Method   string   `yaml:"method"`
}

// TimeoutConfig bounds requests and individual attempts.
type TimeoutConfig struct {
	Request Duration `yaml:"request"`
	Attempt Duration `yaml:"attempt"`
}

// DeduplicationConfig configures in-flight request coalescing.
type DeduplicationConfig struct {
	Enabled bool `yaml:"enabled"`
	// Methods lists method name prefixes eligible for coalescing. Empty
	// means the cache condition applies.
	Methods []string `yaml:"methods"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs structural checks that cannot wait for client
// construction, primarily so a bad file fails loudly at load time.
func (cfg *Config) Validate() error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("config: %w", ErrNoEndpointsConfigured)
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if p.URL == "" {
			return fmt.Errorf("config: provider %q has no url", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if _, err := parseStrategy(cfg.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Retry.Strategy != "" && cfg.Retry.Strategy != "exponential" && cfg.Retry.Strategy != "decorrelated" {
		return fmt.Errorf("config: unknown retry strategy %q", cfg.Retry.Strategy)
	}
	return nil
}

func parseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "round-robin":
		return StrategyRoundRobin, nil
	case "latency-based", "latency":
		return StrategyLatency, nil
	case "weighted":
		return StrategyWeighted, nil
	case "random":
		return StrategyRandom, nil
	default:
		return StrategyRoundRobin, fmt.Errorf("unknown strategy %q", name)
	}
}

// Options lowers the file configuration into the functional options consumed
// by New. Callers may append further options to override file settings.
func (cfg *Config) Options() []Option {
	var opts []Option

	endpoints := make([]*Endpoint, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		endpoints = append(endpoints, &Endpoint{
			Name:   p.Name,
			URL:    p.URL,
			WSURL:  p.WSURL,
			Weight: p.Weight,
			Tags:   p.Tags,
		})
		if p.Rate > 0 {
			opts = append(opts, WithEndpointRateLimit(p.Name, p.Rate, p.Burst))
		}
	}
	opts = append(opts, WithEndpoints(endpoints...))

	if f := cfg.Fallback; f != nil {
		opts = append(opts, WithFallback(&Endpoint{
			Name:   f.Name,
			URL:    f.URL,
			WSURL:  f.WSURL,
			Weight: f.Weight,
			Tags:   f.Tags,
		}))
	}

	strategy, _ := parseStrategy(cfg.Strategy)
	opts = append(opts, WithStrategy(strategy))

	if r := cfg.Retry; r != (RetryConfig{}) {
		if r.MaxRetries > 0 {
			opts = append(opts, WithMaxRetries(r.MaxRetries))
		}
		if r.InitialBackoff > 0 {
			opts = append(opts, WithInitialBackoff(r.InitialBackoff.std()))
		}
		if r.MaxBackoff > 0 {
			opts = append(opts, WithMaxBackoff(r.MaxBackoff.std()))
		}
		if r.Multiplier > 0 {
			opts = append(opts, WithBackoffMultiplier(r.Multiplier))
		}
		if r.Jitter > 0 {
			opts = append(opts, WithJitter(r.Jitter))
		}
		if r.Strategy == "decorrelated" {
			opts = append(opts, WithBackoffStrategy(DecorrelatedJitter))
		}
		if r.BudgetRetries > 0 && r.BudgetWindow > 0 {
			opts = append(opts, WithRetryBudget(r.BudgetRetries, r.BudgetWindow.std()))
		}
	}

	if b := cfg.CircuitBreaker; b != (BreakerConfig{}) {
		opts = append(opts, WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: b.FailureThreshold,
			OpenTimeout:      b.OpenTimeout.std(),
			MaxOpenTimeout:   b.MaxOpenTimeout.std(),
			SuccessThreshold: b.SuccessThreshold,
		}))
	}

	if cfg.Cache.Enabled {
		ttl := cfg.Cache.TTL.std()
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		opts = append(opts, WithCache(ttl))
		if cfg.Cache.MaxEntries > 0 {
			opts = append(opts, WithCustomCache(NewInMemoryCache(cfg.Cache.MaxEntries)))
		}
		if len(cfg.Cache.Methods) > 0 {
			opts = append(opts, WithCacheCondition(MethodPrefixCondition(cfg.Cache.Methods...)))
		}
	}

	if cfg.RateLimit.Rate > 0 {
		opts = append(opts, WithRateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.RateLimit.GlobalRate > 0 {
		opts = append(opts, WithGlobalRateLimit(cfg.RateLimit.GlobalRate, cfg.RateLimit.GlobalBurst))
	}

	if cfg.Health.Disabled {
		opts = append(opts, WithoutHealthMonitor())
	} else if cfg.Health.Interval > 0 || cfg.Health.Timeout > 0 || cfg.Health.Method != "" {
		var probe *Request
		if cfg.Health.Method != "" {
			probe = &Request{Method: cfg.Health.Method}
		}
		opts = append(opts, WithHealthProbe(cfg.Health.Interval.std(), cfg.Health.Timeout.std(), probe))
	}

	if cfg.Timeouts.Request > 0 {
		opts = append(opts, WithRequestTimeout(cfg.Timeouts.Request.std()))
	}
	if cfg.Timeouts.Attempt > 0 {
		opts = append(opts, WithAttemptTimeout(cfg.Timeouts.Attempt.std()))
	}

	if d := cfg.Deduplication; d != nil && d.Enabled {
		opts = append(opts, WithDeduplication())
		if len(d.Methods) > 0 {
			cond := MethodPrefixCondition(d.Methods...)
			opts = append(opts, WithDeduplicationCondition(DeduplicationCondition(cond)))
		}
	}

	return opts
}

// NewFromConfigFile builds a client from a YAML configuration file plus any
// override options.
func NewFromConfigFile(path string, extra ...Option) (*Client, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	opts := append(cfg.Options(), extra...)
	client := New(opts...)
	if err := client.ValidationError(); err != nil {
		return nil, err
	}
	return client, nil
}
