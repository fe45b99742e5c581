// Copyright 2025 AxonFlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the gateway configuration. The file is
// YAML with strict decoding (unknown keys are errors), ${VAR} references are
// expanded from the environment, and a fixed set of GATEWAY_* variables
// override file values for containerized deployments.
package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	// Development relaxes startup requirements (ephemeral vault key,
	// memory stores). Never set it in production.
	Development bool `yaml:"development"`

	// AirGapped restricts AI providers to local and private-endpoint
	// custom kinds.
	AirGapped bool `yaml:"air_gapped"`

	Listen    ListenConfig    `yaml:"listen"`
	Admin     AdminConfig     `yaml:"admin"`
	Vault     VaultConfig     `yaml:"vault"`
	Storage   StorageConfig   `yaml:"storage"`
	Pool      PoolConfig      `yaml:"pool"`
	Deadline  DeadlineConfig  `yaml:"deadline"`
	NL        NLConfig        `yaml:"nl"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Rules     RulesConfig     `yaml:"rules"`
	Retry     RetryConfig     `yaml:"retry"`
	Audit     AuditConfig     `yaml:"audit"`
	Cost      CostConfig      `yaml:"cost"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Providers seeds the AI provider registry at startup. Further
	// providers can be registered through the admin API.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Addr        string   `yaml:"addr"`
	TLSCertFile string   `yaml:"tls_cert_file"`
	TLSKeyFile  string   `yaml:"tls_key_file"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// AdminConfig secures the management endpoints.
type AdminConfig struct {
	// JWTSecret signs admin tokens. Empty disables the admin API outside
	// development mode.
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretRef string `yaml:"jwt_secret_ref"`
	TokenTTLMin  int    `yaml:"token_ttl_min"`
}

// VaultConfig configures credential encryption.
type VaultConfig struct {
	EncryptionKey    string `yaml:"encryption_key"`
	EncryptionKeyRef string `yaml:"encryption_key_ref"`

	// SecretSource selects how refs resolve: env, memory, or aws.
	SecretSource string `yaml:"secret_source"`
	AWSRegion    string `yaml:"aws_region"`
}

// StorageConfig selects the backing store for agents and permissions.
type StorageConfig struct {
	Kind string `yaml:"kind"` // memory | postgres
	DSN  string `yaml:"dsn"`
}

// PoolConfig bounds per-agent connection pools.
type PoolConfig struct {
	MaxOpen                     int `yaml:"max_open"`
	MinIdle                     int `yaml:"min_idle"`
	MaxIdleAgeMS                int `yaml:"max_idle_age_ms"`
	AcquireTimeoutMS            int `yaml:"acquire_timeout_ms"`
	ConsecutiveFailureThreshold int `yaml:"consecutive_failure_threshold"`
}

// MaxIdleAge returns the idle expiry as a duration.
func (p PoolConfig) MaxIdleAge() time.Duration {
	return time.Duration(p.MaxIdleAgeMS) * time.Millisecond
}

// AcquireTimeout returns the acquire timeout as a duration.
func (p PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutMS) * time.Millisecond
}

// DeadlineConfig sets execution deadlines applied when a request carries
// none.
type DeadlineConfig struct {
	DefaultMS int `yaml:"default_ms"`
}

// Default returns the default deadline as a duration.
func (d DeadlineConfig) Default() time.Duration {
	return time.Duration(d.DefaultMS) * time.Millisecond
}

// NLConfig bounds natural-language calls.
type NLConfig struct {
	// MaxLength caps NL input length in runes; longer requests are
	// rejected before generation.
	MaxLength int `yaml:"max_length"`

	// DefaultProvider serves agents without a failover group.
	DefaultProvider string `yaml:"default_provider"`
}

// RateLimitConfig is the per-agent request rate limit.
type RateLimitConfig struct {
	Backend string           `yaml:"backend"` // memory | redis
	Default RateLimitWindows `yaml:"default"`
}

// RulesConfig controls the deny-rule screen run at intake.
type RulesConfig struct {
	// Mode is the default screen mode, off or basic.
	Mode string `yaml:"mode"`

	// AgentModes override the default mode per agent.
	AgentModes map[string]string `yaml:"agent_modes,omitempty"`

	// BlockedTables and BlockedFunctions extend the built-in rules with
	// names that must never appear in a statement.
	BlockedTables    []string `yaml:"blocked_tables,omitempty"`
	BlockedFunctions []string `yaml:"blocked_functions,omitempty"`
}

// RateLimitWindows carries the two rate horizons.
type RateLimitWindows struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// RetryConfig is the default retry policy for provider calls; providers may
// override it per registration.
type RetryConfig struct {
	Default RetryPolicy `yaml:"default"`
}

// RetryPolicy mirrors the provider retry surface.
type RetryPolicy struct {
	Strategy    string `yaml:"strategy"` // none | fixed | linear | exponential
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelayMS int    `yaml:"base_delay_ms"`
	MaxDelayMS  int    `yaml:"max_delay_ms"`
	Jitter      bool   `yaml:"jitter"`
}

// BaseDelay returns the base delay as a duration.
func (r RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the delay cap as a duration.
func (r RetryPolicy) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Sink         SinkConfig    `yaml:"sink"`
	Archive      ArchiveConfig `yaml:"archive"`
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	FallbackPath string        `yaml:"fallback_path"`
}

// CostConfig configures cost tracking and budgets.
type CostConfig struct {
	Sink    SinkConfig     `yaml:"sink"`
	Budgets []BudgetConfig `yaml:"budgets"`

	// SQLRatePerSecondUSD prices SQL-only calls by execution time.
	SQLRatePerSecondUSD float64 `yaml:"sql_rate_per_second_usd"`
}

// SinkConfig selects a persistence backend for audit or cost records.
type SinkConfig struct {
	Kind string `yaml:"kind"` // memory | postgres | file
	DSN  string `yaml:"dsn"`
	Path string `yaml:"path"`
}

// ArchiveConfig ships finished audit segments to object storage.
type ArchiveConfig struct {
	Kind      string `yaml:"kind"` // "", s3, gcs, azblob
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`    // s3
	Account   string `yaml:"account"`   // azblob
	Container string `yaml:"container"` // azblob
}

// BudgetConfig declares a spend budget evaluated on every cost record.
type BudgetConfig struct {
	Name         string  `yaml:"name"`
	ThresholdUSD float64 `yaml:"threshold_usd"`
	Period       string  `yaml:"period"` // daily | monthly | custom
	PeriodDays   int     `yaml:"period_days"`
	Scope        string  `yaml:"scope"` // global | per_agent
	WebhookURL   string  `yaml:"webhook_url"`
}

// RedisConfig points the rate limiter at Redis when backend=redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ProviderConfig seeds one AI provider. The map key in Config.Providers is
// the provider_id.
type ProviderConfig struct {
	Kind          string           `yaml:"kind"` // openai | anthropic | bedrock | local | custom
	Endpoint      string           `yaml:"endpoint"`
	Model         string           `yaml:"model"`
	CredentialRef string           `yaml:"credential_ref"`
	Region        string           `yaml:"region"` // bedrock
	RateLimits    RateLimitWindows `yaml:"rate_limits"`
	Retry         *RetryPolicy     `yaml:"retry"`
}

// Default returns a configuration with production-shaped defaults. Load
// starts from this and overlays the file.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: ":8080",
		},
		Admin: AdminConfig{
			TokenTTLMin: 60,
		},
		Vault: VaultConfig{
			SecretSource: "env",
		},
		Storage: StorageConfig{
			Kind: "memory",
		},
		Pool: PoolConfig{
			MaxOpen:                     5,
			MinIdle:                     1,
			MaxIdleAgeMS:                300000,
			AcquireTimeoutMS:            5000,
			ConsecutiveFailureThreshold: 3,
		},
		Deadline: DeadlineConfig{
			DefaultMS: 30000,
		},
		NL: NLConfig{
			MaxLength: 2000,
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Default: RateLimitWindows{PerMinute: 60, PerHour: 1000},
		},
		Rules: RulesConfig{
			Mode: "basic",
		},
		Retry: RetryConfig{
			Default: RetryPolicy{
				Strategy:    "exponential",
				MaxAttempts: 3,
				BaseDelayMS: 200,
				MaxDelayMS:  5000,
				Jitter:      true,
			},
		},
		Audit: AuditConfig{
			Sink:         SinkConfig{Kind: "memory"},
			QueueSize:    1024,
			Workers:      2,
			FallbackPath: "audit-fallback.jsonl",
		},
		Cost: CostConfig{
			Sink:                SinkConfig{Kind: "memory"},
			SQLRatePerSecondUSD: 0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *Config) Validate() error {
	switch c.Storage.Kind {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.kind is postgres")
		}
	default:
		return fmt.Errorf("storage.kind %q is not recognized (memory, postgres)", c.Storage.Kind)
	}

	switch c.Vault.SecretSource {
	case "", "env", "memory", "aws":
	default:
		return fmt.Errorf("vault.secret_source %q is not recognized (env, memory, aws)", c.Vault.SecretSource)
	}

	if !c.Development && c.Vault.EncryptionKey == "" && c.Vault.EncryptionKeyRef == "" {
		return fmt.Errorf("vault.encryption_key is required outside development mode")
	}

	if c.Pool.MaxOpen < 0 || c.Pool.MinIdle < 0 {
		return fmt.Errorf("pool sizes must not be negative")
	}
	if c.Pool.MinIdle > c.Pool.MaxOpen {
		return fmt.Errorf("pool.min_idle (%d) exceeds pool.max_open (%d)", c.Pool.MinIdle, c.Pool.MaxOpen)
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when rate_limit.backend is redis")
		}
	default:
		return fmt.Errorf("rate_limit.backend %q is not recognized (memory, redis)", c.RateLimit.Backend)
	}

	switch c.Rules.Mode {
	case "off", "basic":
	default:
		return fmt.Errorf("rules.mode %q is not recognized (off, basic)", c.Rules.Mode)
	}
	for agent, mode := range c.Rules.AgentModes {
		switch mode {
		case "off", "basic":
		default:
			return fmt.Errorf("rules.agent_modes[%s]: mode %q is not recognized (off, basic)", agent, mode)
		}
	}

	if err := validateRetryPolicy(c.Retry.Default); err != nil {
		return fmt.Errorf("retry.default: %w", err)
	}

	switch c.Audit.Sink.Kind {
	case "memory":
	case "postgres":
		if c.Audit.Sink.DSN == "" {
			return fmt.Errorf("audit.sink.dsn is required for the postgres sink")
		}
	case "file":
		if c.Audit.Sink.Path == "" {
			return fmt.Errorf("audit.sink.path is required for the file sink")
		}
	default:
		return fmt.Errorf("audit.sink.kind %q is not recognized (memory, postgres, file)", c.Audit.Sink.Kind)
	}

	switch c.Audit.Archive.Kind {
	case "":
	case "s3", "gcs":
		if c.Audit.Archive.Bucket == "" {
			return fmt.Errorf("audit.archive.bucket is required for the %s archive", c.Audit.Archive.Kind)
		}
	case "azblob":
		if c.Audit.Archive.Account == "" || c.Audit.Archive.Container == "" {
			return fmt.Errorf("audit.archive.account and container are required for the azblob archive")
		}
	default:
		return fmt.Errorf("audit.archive.kind %q is not recognized (s3, gcs, azblob)", c.Audit.Archive.Kind)
	}

	switch c.Cost.Sink.Kind {
	case "memory":
	case "postgres":
		if c.Cost.Sink.DSN == "" {
			return fmt.Errorf("cost.sink.dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("cost.sink.kind %q is not recognized (memory, postgres)", c.Cost.Sink.Kind)
	}

	for _, budget := range c.Cost.Budgets {
		if budget.Name == "" {
			return fmt.Errorf("cost budget without a name")
		}
		if budget.ThresholdUSD <= 0 {
			return fmt.Errorf("cost budget %q: threshold_usd must be positive", budget.Name)
		}
		switch budget.Period {
		case "daily", "monthly":
		case "custom":
			if budget.PeriodDays <= 0 {
				return fmt.Errorf("cost budget %q: period_days is required for a custom period", budget.Name)
			}
		default:
			return fmt.Errorf("cost budget %q: period %q is not recognized (daily, monthly, custom)", budget.Name, budget.Period)
		}
		switch budget.Scope {
		case "global", "per_agent":
		default:
			return fmt.Errorf("cost budget %q: scope %q is not recognized (global, per_agent)", budget.Name, budget.Scope)
		}
	}

	for id, provider := range c.Providers {
		if err := validateProvider(id, provider, c.AirGapped); err != nil {
			return err
		}
	}

	return nil
}

func validateRetryPolicy(p RetryPolicy) error {
	switch p.Strategy {
	case "none", "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("strategy %q is not recognized (none, fixed, linear, exponential)", p.Strategy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if p.BaseDelayMS < 0 || p.MaxDelayMS < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

func validateProvider(id string, p ProviderConfig, airGapped bool) error {
	switch p.Kind {
	case "openai", "anthropic", "bedrock", "local", "custom":
	default:
		return fmt.Errorf("provider %q: kind %q is not recognized (openai, anthropic, bedrock, local, custom)", id, p.Kind)
	}
	if p.Model == "" {
		return fmt.Errorf("provider %q: model is required", id)
	}
	if airGapped && (p.Kind == "openai" || p.Kind == "anthropic" || p.Kind == "bedrock") {
		return fmt.Errorf("provider %q: kind %q is blocked in air-gapped mode", id, p.Kind)
	}
	if p.Retry != nil {
		if err := validateRetryPolicy(*p.Retry); err != nil {
			return fmt.Errorf("provider %q: retry: %w", id, err)
		}
	}
	return nil
}
