// Package config loads and validates RouteGate configuration from
// TOML with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"routegate/internal/domain"
)

// Duration wraps time.Duration for TOML decoding of "60s" style
// values.
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Routing      RoutingConfig      `toml:"routing"`
	Retry        RetryConfig        `toml:"retry"`
	Breaker      BreakerConfig      `toml:"circuit_breaker"`
	Context      ContextConfig      `toml:"context"`
	Performance  PerformanceConfig  `toml:"performance"`
	Providers    []ProviderConfig   `toml:"providers"`
	AlertRules   []AlertRuleConfig  `toml:"alert_rules"`
	Logging      LoggingConfig      `toml:"logging"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	ListenAddr    string   `toml:"listen_addr"`
	MetricsAddr   string   `toml:"metrics_addr"`
	ShutdownGrace Duration `toml:"shutdown_grace"`
}

// OrchestratorConfig holds the worker pool and request defaults.
type OrchestratorConfig struct {
	Workers         int      `toml:"workers"`
	QueueSize       int      `toml:"queue_size"`
	DefaultTimeout  Duration `toml:"default_timeout"`
	EnableFallbacks bool     `toml:"enable_fallbacks"`
	EnableContext   bool     `toml:"enable_context"`
}

// RoutingConfig holds router thresholds and optional per-task and
// per-agent model pins.
type RoutingConfig struct {
	MaxFallbacks         int                           `toml:"max_fallbacks"`
	CheapBudgetThreshold float64                       `toml:"cheap_budget_threshold"`
	FastTimeThreshold    Duration                      `toml:"fast_time_threshold"`
	DecisionHistory      int                           `toml:"decision_history"`
	PerTask              map[string]TaskRoutingConfig  `toml:"per_task"`
	PerAgent             map[string]AgentRoutingConfig `toml:"per_agent"`
}

// TaskRoutingConfig pins model selection for one task type. Preferred
// models are tried in order for the primary; the fallback list
// replaces the heuristic fallback candidates. MaxCost and MaxTime act
// as task budget and deadline defaults when the request sets none.
type TaskRoutingConfig struct {
	Preferred []string `toml:"preferred"`
	Fallback  []string `toml:"fallback"`
	MaxCost   float64  `toml:"max_cost"`
	MaxTime   Duration `toml:"max_time"`
}

// AgentRoutingConfig pins preferred models for one agent type.
type AgentRoutingConfig struct {
	Preferred []string `toml:"preferred"`
}

// RetryConfig holds the executor's retry and fallback pacing policy.
type RetryConfig struct {
	MaxRetries       int      `toml:"max_retries"`
	BackoffBase      Duration `toml:"backoff_base"`
	BackoffMax       Duration `toml:"backoff_max"`
	Jitter           bool     `toml:"jitter"`
	RateLimitWaitCap Duration `toml:"rate_limit_wait_cap"`
	FallbackDelay    Duration `toml:"fallback_delay"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryTimeout  Duration `toml:"recovery_timeout"`
}

// ContextConfig holds context store limits.
type ContextConfig struct {
	SessionTTL         Duration `toml:"session_ttl"`
	SweepInterval      Duration `toml:"sweep_interval"`
	MaxMessages        int      `toml:"max_messages"`
	RetrievalWindow    Duration `toml:"retrieval_window"`
	RetrievalMax       int      `toml:"retrieval_max"`
	RelevanceThreshold float64  `toml:"relevance_threshold"`
}

// PerformanceConfig holds aggregator cadence, response caching and
// streaming shape.
type PerformanceConfig struct {
	FlushInterval Duration        `toml:"flush_interval"`
	AlertInterval Duration        `toml:"alert_interval"`
	Retention     Duration        `toml:"retention"`
	Caching       CacheConfig     `toml:"caching"`
	Streaming     StreamingConfig `toml:"streaming"`
}

// StreamingConfig controls the chunked completion surface. Disabled
// streaming collapses a stream into a single terminal event.
type StreamingConfig struct {
	Enabled    bool `toml:"enabled"`
	ChunkBytes int  `toml:"chunk_bytes"`
}

// CacheConfig holds the LRU response cache settings.
type CacheConfig struct {
	Enabled    bool     `toml:"enabled"`
	MaxEntries int      `toml:"max_entries"`
	TTL        Duration `toml:"ttl"`
}

// ProviderConfig describes one upstream provider endpoint.
type ProviderConfig struct {
	Name     string            `toml:"name"`
	Dialect  string            `toml:"dialect"` // nim, openai, anthropic, bedrock
	BaseURL  string            `toml:"base_url"`
	APIKey   string            `toml:"api_key"`
	Region   string            `toml:"region"`     // bedrock only
	AccessK  string            `toml:"access_key"` // bedrock only, optional
	SecretK  string            `toml:"secret_key"` // bedrock only, optional
	Timeout  Duration          `toml:"timeout"`
	Models   []string          `toml:"models"`
	ModelIDs map[string]string `toml:"model_ids"` // canonical -> native id

	RateLimits RateLimitConfig `toml:"rate_limits"`
}

// RateLimitConfig bounds client-side traffic to one provider. Zero
// values mean unlimited.
type RateLimitConfig struct {
	RPM        int `toml:"rpm"`        // requests per minute
	TPM        int `toml:"tpm"`        // tokens per minute
	Concurrent int `toml:"concurrent"` // in-flight requests
}

// AlertRuleConfig mirrors domain.AlertRule in TOML form.
type AlertRuleConfig struct {
	ID            string   `toml:"id"`
	Name          string   `toml:"name"`
	Metric        string   `toml:"metric"`
	Operator      string   `toml:"operator"`
	Aggregation   string   `toml:"aggregation"`
	Threshold     float64  `toml:"threshold"`
	WindowSeconds int      `toml:"window_seconds"`
	Severity      string   `toml:"severity"`
	Actions       []string `toml:"actions"`
	Model         string   `toml:"model"`
	WebhookURL    string   `toml:"webhook_url"`
	Enabled       bool     `toml:"enabled"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json, text
}

// Default returns the built-in configuration. Load overlays the TOML
// file on top of these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":8080",
			MetricsAddr:   ":9090",
			ShutdownGrace: Duration{10 * time.Second},
		},
		Orchestrator: OrchestratorConfig{
			Workers:         8,
			QueueSize:       256,
			DefaultTimeout:  Duration{60 * time.Second},
			EnableFallbacks: true,
			EnableContext:   true,
		},
		Routing: RoutingConfig{
			MaxFallbacks:         2,
			CheapBudgetThreshold: 0.01,
			FastTimeThreshold:    Duration{30 * time.Second},
			DecisionHistory:      100,
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			BackoffBase:      Duration{time.Second},
			BackoffMax:       Duration{30 * time.Second},
			Jitter:           true,
			RateLimitWaitCap: Duration{60 * time.Second},
			FallbackDelay:    Duration{time.Second},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration{60 * time.Second},
		},
		Context: ContextConfig{
			SessionTTL:         Duration{24 * time.Hour},
			SweepInterval:      Duration{time.Hour},
			MaxMessages:        100,
			RetrievalWindow:    Duration{time.Hour},
			RetrievalMax:       20,
			RelevanceThreshold: 0.7,
		},
		Performance: PerformanceConfig{
			FlushInterval: Duration{60 * time.Second},
			AlertInterval: Duration{30 * time.Second},
			Retention:     Duration{24 * time.Hour},
			Caching: CacheConfig{
				Enabled:    true,
				MaxEntries: 1024,
				TTL:        Duration{5 * time.Minute},
			},
			Streaming: StreamingConfig{
				Enabled:    true,
				ChunkBytes: 64,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string and are caught by
// validation.
func expandEnv(raw string) string {
	return envPattern.ReplaceAllStringFunc(raw, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Load reads a TOML file over defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(expandEnv(string(raw)), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misroute or silently
// drop requests at runtime.
func (c *Config) Validate() error {
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive, got %d", c.Orchestrator.Workers)
	}
	if c.Orchestrator.QueueSize <= 0 {
		return fmt.Errorf("orchestrator.queue_size must be positive, got %d", c.Orchestrator.QueueSize)
	}
	if c.Orchestrator.DefaultTimeout.Duration < 10*time.Second {
		return fmt.Errorf("orchestrator.default_timeout must be at least 10s, got %s", c.Orchestrator.DefaultTimeout.Duration)
	}
	if c.Routing.MaxFallbacks < 0 || c.Routing.MaxFallbacks > 2 {
		return fmt.Errorf("routing.max_fallbacks must be 0-2, got %d", c.Routing.MaxFallbacks)
	}
	for name, tr := range c.Routing.PerTask {
		if _, ok := domain.ParseTaskType(name); !ok {
			return fmt.Errorf("routing.per_task.%s: unknown task type", name)
		}
		if len(tr.Preferred) == 0 {
			return fmt.Errorf("routing.per_task.%s: preferred model list must not be empty", name)
		}
		if len(tr.Fallback) == 0 {
			return fmt.Errorf("routing.per_task.%s: fallback model list must not be empty", name)
		}
		for _, m := range append(append([]string{}, tr.Preferred...), tr.Fallback...) {
			if _, ok := domain.ParseModel(m); !ok {
				return fmt.Errorf("routing.per_task.%s: unknown model %q", name, m)
			}
		}
		if tr.MaxCost < 0 {
			return fmt.Errorf("routing.per_task.%s: max_cost must not be negative", name)
		}
	}
	for name, ar := range c.Routing.PerAgent {
		if _, ok := domain.ParseAgentType(name); !ok {
			return fmt.Errorf("routing.per_agent.%s: unknown agent type", name)
		}
		if len(ar.Preferred) == 0 {
			return fmt.Errorf("routing.per_agent.%s: preferred model list must not be empty", name)
		}
		for _, m := range ar.Preferred {
			if _, ok := domain.ParseModel(m); !ok {
				return fmt.Errorf("routing.per_agent.%s: unknown model %q", name, m)
			}
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.FallbackDelay.Duration < 0 {
		return fmt.Errorf("retry.fallback_delay must not be negative, got %s", c.Retry.FallbackDelay.Duration)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Context.MaxMessages <= 0 {
		return fmt.Errorf("context.max_messages must be positive, got %d", c.Context.MaxMessages)
	}
	if c.Performance.Caching.Enabled && c.Performance.Caching.MaxEntries <= 0 {
		return fmt.Errorf("performance.caching.max_entries must be positive when caching is enabled, got %d", c.Performance.Caching.MaxEntries)
	}
	if c.Performance.Streaming.Enabled && c.Performance.Streaming.ChunkBytes <= 0 {
		return fmt.Errorf("performance.streaming.chunk_bytes must be positive when streaming is enabled, got %d", c.Performance.Streaming.ChunkBytes)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := map[string]bool{}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		switch p.Dialect {
		case "nim", "openai", "anthropic":
			if p.APIKey == "" {
				return fmt.Errorf("provider %s: api_key is required for dialect %s", p.Name, p.Dialect)
			}
			if p.BaseURL == "" {
				return fmt.Errorf("provider %s: base_url is required", p.Name)
			}
		case "bedrock":
			if p.Region == "" {
				return fmt.Errorf("provider %s: region is required for bedrock", p.Name)
			}
		default:
			return fmt.Errorf("provider %s: unknown dialect %q", p.Name, p.Dialect)
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("provider %s: models list must not be empty", p.Name)
		}
		for _, name := range p.Models {
			m, ok := domain.ParseModel(name)
			if !ok {
				return fmt.Errorf("provider %s: unknown model %q", p.Name, name)
			}
			if p.ModelIDs[string(m)] == "" {
				return fmt.Errorf("provider %s: missing model_ids entry for %s", p.Name, m)
			}
		}
		if p.RateLimits.RPM < 0 || p.RateLimits.TPM < 0 || p.RateLimits.Concurrent < 0 {
			return fmt.Errorf("provider %s: rate_limits must not be negative", p.Name)
		}
		if p.Timeout.Duration == 0 {
			p.Timeout = Duration{120 * time.Second}
		}
	}

	for i, r := range c.AlertRules {
		if r.ID == "" {
			return fmt.Errorf("alert_rules[%d]: id is required", i)
		}
		switch domain.AlertMetric(r.Metric) {
		case domain.MetricErrorRate, domain.MetricResponseTime, domain.MetricCostPerRequest,
			domain.MetricSuccessRate, domain.MetricThroughput:
		default:
			return fmt.Errorf("alert rule %s: unknown metric %q", r.ID, r.Metric)
		}
		if r.WindowSeconds <= 0 {
			return fmt.Errorf("alert rule %s: window_seconds must be positive", r.ID)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}

	return nil
}

// Rules converts configured alert rules to domain form.
func (c *Config) Rules() []domain.AlertRule {
	out := make([]domain.AlertRule, 0, len(c.AlertRules))
	for _, r := range c.AlertRules {
		actions := make([]domain.AlertAction, 0, len(r.Actions))
		for _, a := range r.Actions {
			actions = append(actions, domain.AlertAction(a))
		}
		out = append(out, domain.AlertRule{
			ID:            r.ID,
			Name:          r.Name,
			Metric:        domain.AlertMetric(r.Metric),
			Operator:      domain.AlertOperator(r.Operator),
			Aggregation:   domain.AlertAggregation(r.Aggregation),
			Threshold:     r.Threshold,
			WindowSeconds: r.WindowSeconds,
			Severity:      domain.AlertSeverity(r.Severity),
			Actions:       actions,
			Model:         domain.Model(r.Model),
			Enabled:       r.Enabled,
		})
	}
	return out
}
