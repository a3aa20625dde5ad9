package runicrpc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
providers:
  - name: primary
    url: https://primary.example.com
    ws_url: wss://primary.example.com/ws
    weight: 3
    tags: [archive]
  - name: secondary
    url: https://secondary.example.com
    rate: 20
    burst: 40
fallback:
  name: last
  url: https://last.example.com
strategy: weighted
retry:
  max_retries: 5
  initial_backoff: 250ms
  max_backoff: 20s
  multiplier: 3.0
  jitter: 0.2
  strategy: decorrelated
circuit_breaker:
  failure_threshold: 7
  open_timeout: 45s
  max_open_timeout: 10m
  success_threshold: 3
cache:
  enabled: true
  ttl: 15s
  methods: [eth_get]
rate_limit:
  rate: 50
  burst: 100
  global_rate: 200
  global_burst: 400
health:
  interval: 5s
  timeout: 1s
  method: eth_chainId
timeouts:
  request: 25s
  attempt: 8s
deduplication:
  enabled: true
`

func TestLoadConfigParses(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "primary" || cfg.Providers[0].Weight != 3 {
		t.Errorf("primary provider = %+v", cfg.Providers[0])
	}
	if cfg.Providers[1].Rate != 20 || cfg.Providers[1].Burst != 40 {
		t.Errorf("secondary rate override = %+v", cfg.Providers[1])
	}
	if cfg.Retry.InitialBackoff.std() != 250*time.Millisecond {
		t.Errorf("initial_backoff = %v, want 250ms", cfg.Retry.InitialBackoff.std())
	}
	if cfg.CircuitBreaker.OpenTimeout.std() != 45*time.Second {
		t.Errorf("open_timeout = %v, want 45s", cfg.CircuitBreaker.OpenTimeout.std())
	}
	if cfg.Timeouts.Attempt.std() != 8*time.Second {
		t.Errorf("attempt timeout = %v, want 8s", cfg.Timeouts.Attempt.std())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig succeeded for a missing file")
	}
}

func TestConfigValidateNoProviders(t *testing.T) {
	path := writeConfig(t, "providers: []\n")

	_, err := LoadConfig(path)
	if !errors.Is(err, ErrNoEndpointsConfigured) {
		t.Errorf("err = %v, want ErrNoEndpointsConfigured", err)
	}
}

func TestConfigValidateDuplicateName(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: a
    url: https://one.example.com
  - name: a
    url: https://two.example.com
`)

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted duplicate provider names")
	}
}

func TestConfigValidateUnknownStrategy(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: a
    url: https://a.example.com
strategy: fastest
`)

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted an unknown strategy")
	}
}

func TestConfigOptionsLowering(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	c := New(cfg.Options()...)
	if err := c.ValidationError(); err != nil {
		t.Fatalf("validation: %v", err)
	}

	if len(c.endpoints) != 2 {
		t.Errorf("got %d endpoints, want 2", len(c.endpoints))
	}
	if c.fallback == nil || c.fallback.Name != "last" {
		t.Errorf("fallback = %v, want last", c.fallback)
	}
	if c.strategy != StrategyWeighted {
		t.Errorf("strategy = %v, want weighted", c.strategy)
	}
	if c.maxRetries != 5 {
		t.Errorf("maxRetries = %d, want 5", c.maxRetries)
	}
	if c.backoffStrategy != DecorrelatedJitter {
		t.Errorf("backoffStrategy = %v, want decorrelated", c.backoffStrategy)
	}
	if c.breakerConfig.FailureThreshold != 7 {
		t.Errorf("FailureThreshold = %d, want 7", c.breakerConfig.FailureThreshold)
	}
	if c.cache == nil || c.cacheTTL != 15*time.Second {
		t.Errorf("cache ttl = %v, want 15s with cache enabled", c.cacheTTL)
	}
	if !c.cacheCondition(&Request{Method: "eth_getBalance"}) {
		t.Error("cache condition rejects a configured method prefix")
	}
	if c.globalLimiter == nil {
		t.Error("global limiter not configured")
	}
	if c.dedup == nil {
		t.Error("deduplication not enabled")
	}
	if c.buckets["secondary"] == nil {
		t.Error("per-provider rate override produced no bucket")
	}
	if got := c.buckets["secondary"].Capacity(); got != 40 {
		t.Errorf("secondary bucket capacity = %d, want the override 40", got)
	}
	if c.requestTimeout != 25*time.Second || c.attemptTimeout != 8*time.Second {
		t.Errorf("timeouts = %v/%v, want 25s/8s", c.requestTimeout, c.attemptTimeout)
	}
}

func TestConfigStrategyNames(t *testing.T) {
	cases := []struct {
		name string
		want Strategy
	}{
		{"", StrategyRoundRobin},
		{"round-robin", StrategyRoundRobin},
		{"latency", StrategyLatency},
		{"latency-based", StrategyLatency},
		{"weighted", StrategyWeighted},
		{"random", StrategyRandom},
	}
	for _, tc := range cases {
		got, err := parseStrategy(tc.name)
		if err != nil {
			t.Errorf("parseStrategy(%q): %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseStrategy(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewFromConfigFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	client, err := NewFromConfigFile(path, WithoutHealthMonitor())
	if err != nil {
		t.Fatalf("NewFromConfigFile: %v", err)
	}
	if !client.IsValid() {
		t.Error("client invalid from a valid config")
	}

	if _, err := NewFromConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("NewFromConfigFile succeeded for a missing file")
	}
}
