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

// Package main is the entry point for the AxonFlow database gateway.
//
// The gateway sits between AI agents and their databases:
// - Authenticates agents and enforces per-resource permissions
// - Parses and screens SQL before any connection is touched
// - Translates natural language into SQL through managed AI providers
// - Pools database connections per agent with endpoint failover
// - Writes an audit event and a cost record for every call
//
// Usage:
//
//	./gateway -config gateway.yaml
//
// Without a config file the gateway starts in development mode: memory
// stores, an ephemeral vault key, and no admin API unless a JWT secret
// is set. Nothing written in that mode survives a restart.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"axonflow/gateway/audit"
	"axonflow/gateway/config"
	connregistry "axonflow/gateway/connectors/registry"
	"axonflow/gateway/cost"
	"axonflow/gateway/gateway"
	"axonflow/gateway/llm"
	llmfactory "axonflow/gateway/llm/factory"
	"axonflow/gateway/llm/sdk"
	"axonflow/gateway/shared/logger"
	"axonflow/gateway/vault"
)

const (
	shutdownTimeout     = 15 * time.Second
	healthCheckInterval = time.Minute
	deadLetterPath      = "dead-letters.jsonl"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	mainLog := logger.New("gateway")

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.Development = true
		mainLog.Warn("", "", "no config file given, starting in development mode", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Secrets and vault. Every credential the gateway holds at rest goes
	// through the vault; refs resolve through the configured source.
	secrets, err := buildSecretSource(ctx, cfg)
	if err != nil {
		return err
	}
	v, err := vault.New(ctx, vault.Options{
		Key:     cfg.Vault.EncryptionKey,
		KeyRef:  cfg.Vault.EncryptionKeyRef,
		Source:  secrets,
		DevMode: cfg.Development,
	})
	if err != nil {
		return err
	}

	// Shared postgres handle for whichever subsystems point at postgres.
	// One DSN, one pool; opened lazily on first use.
	dbs := newDBSet()
	defer dbs.Close()

	regStore, permStore, err := buildStores(ctx, cfg, dbs)
	if err != nil {
		return err
	}

	auditQueue, err := buildAudit(ctx, cfg, dbs)
	if err != nil {
		return err
	}

	tracker, err := buildCostTracker(ctx, cfg, dbs)
	if err != nil {
		return err
	}

	// Registry and pools reference each other: the pool opens bindings
	// through the registry, the registry invalidates pools on revocation
	// and rebinding. The invalidator indirection breaks the cycle.
	inv := &poolInvalidator{}
	registry := gateway.NewRegistry(regStore, v, gateway.WithInvalidator(inv))

	pools := gateway.NewPoolManager(gateway.PoolManagerOptions{
		Opener:  registry,
		Factory: gateway.ConnectorFactory(connregistry.Default().FactoryFunc()),
		Settings: gateway.PoolSettings{
			MaxOpen:           cfg.Pool.MaxOpen,
			MinIdle:           cfg.Pool.MinIdle,
			MaxIdleAge:        cfg.Pool.MaxIdleAge(),
			AcquireTimeout:    cfg.Pool.AcquireTimeout(),
			FailoverThreshold: cfg.Pool.ConsecutiveFailureThreshold,
		},
		OnFailover: func(ctx context.Context, ev gateway.FailoverEvent) {
			event := audit.NewEvent(ev.AgentID, audit.ActionDBFailover, audit.StatusOK)
			event.Details = map[string]interface{}{"from": ev.From, "to": ev.To}
			_ = auditQueue.Append(ctx, event)
		},
	})
	inv.pools = pools
	pools.StartSweeper(ctx)

	providers := buildProviderManager(cfg, secrets, auditQueue)
	for id, p := range cfg.Providers {
		spec := providerSpec(id, p)
		if err := providers.Register(ctx, spec); err != nil {
			return fmt.Errorf("registering provider %q: %w", id, err)
		}
	}
	providers.StartHealthChecks(ctx, healthCheckInterval)

	// Revocation cascade: derived state goes, audit and cost stay.
	registry.OnRevoke(func(ctx context.Context, agentID string) {
		_ = permStore.RevokeAll(ctx, agentID)
		_ = providers.RemoveGroup(agentID)
	})

	limiter, err := buildLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer limiter.Close()

	rules, err := gateway.NewRuleScreen(gateway.RuleScreenOptions{
		Mode:             gateway.ScreenMode(cfg.Rules.Mode),
		AgentModes:       screenModes(cfg.Rules.AgentModes),
		BlockedTables:    cfg.Rules.BlockedTables,
		BlockedFunctions: cfg.Rules.BlockedFunctions,
	})
	if err != nil {
		return err
	}

	translator := gateway.NewTranslator(gateway.TranslatorOptions{
		Completer:       providers,
		Permissions:     permStore,
		DefaultProvider: cfg.NL.DefaultProvider,
		MaxLength:       cfg.NL.MaxLength,
	})

	deadLetters, err := gateway.NewFileDeadLetterSink(deadLetterPath)
	if err != nil {
		return err
	}
	defer deadLetters.Close()

	pipeline, err := gateway.NewPipeline(gateway.PipelineOptions{
		Registry:        registry,
		Permissions:     permStore,
		Pools:           pools,
		Translator:      translator,
		Rules:           rules,
		Limiter:         limiter,
		Audit:           auditQueue,
		Costs:           tracker,
		DeadLetters:     deadLetters,
		DefaultDeadline: cfg.Deadline.Default(),
	})
	if err != nil {
		return err
	}

	jwtSecret, err := resolveJWTSecret(ctx, cfg, secrets)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.ServerOptions{
		Pipeline:       pipeline,
		Registry:       registry,
		Permissions:    permStore,
		Providers:      providers,
		Audit:          auditQueue,
		Costs:          tracker,
		Pools:          pools,
		Limiter:        limiter,
		Addr:           cfg.Listen.Addr,
		TLSCertFile:    cfg.Listen.TLSCertFile,
		TLSKeyFile:     cfg.Listen.TLSKeyFile,
		CORSOrigins:    cfg.Listen.CORSOrigins,
		JWTSecret:      jwtSecret,
		TokenTTL:       time.Duration(cfg.Admin.TokenTTLMin) * time.Minute,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// Drain order matters: stop accepting requests, then tear down
	// connections, then flush the audit queue and close the cost store so
	// in-flight records land before exit.
	mainLog.Info("", "", "shutting down", nil)
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		mainLog.Error("", "", "server shutdown", map[string]interface{}{"error": err.Error()})
	}
	pools.Shutdown(drainCtx)
	if err := auditQueue.Shutdown(drainCtx); err != nil {
		mainLog.Error("", "", "audit queue shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := tracker.Close(drainCtx); err != nil {
		mainLog.Error("", "", "cost tracker close", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// poolInvalidator defers binding invalidation to the pool manager, which
// is constructed after the registry.
type poolInvalidator struct {
	pools *gateway.PoolManager
}

func (p *poolInvalidator) InvalidateAgent(ctx context.Context, agentID string) {
	if p.pools != nil {
		p.pools.InvalidateAgent(ctx, agentID)
	}
}

// dbSet opens at most one *sql.DB per DSN so the registry, audit, and
// cost subsystems can share a postgres connection pool.
type dbSet struct {
	open map[string]*sql.DB
}

func newDBSet() *dbSet {
	return &dbSet{open: make(map[string]*sql.DB)}
}

func (s *dbSet) Get(ctx context.Context, dsn string) (*sql.DB, error) {
	if db, ok := s.open[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s.open[dsn] = db
	return db, nil
}

func (s *dbSet) Close() {
	for _, db := range s.open {
		_ = db.Close()
	}
}

func buildSecretSource(ctx context.Context, cfg *config.Config) (vault.SecretSource, error) {
	switch cfg.Vault.SecretSource {
	case "", "env":
		return vault.NewEnvSource(), nil
	case "memory":
		return vault.NewMemorySource(), nil
	case "aws":
		return vault.NewAWSSource(ctx, vault.AWSSourceOptions{Region: cfg.Vault.AWSRegion})
	default:
		return nil, fmt.Errorf("vault.secret_source %q is not recognized", cfg.Vault.SecretSource)
	}
}

func buildStores(ctx context.Context, cfg *config.Config, dbs *dbSet) (gateway.RegistryStore, gateway.PermissionStore, error) {
	if cfg.Storage.Kind != "postgres" {
		return gateway.NewMemoryRegistryStore(), gateway.NewMemoryPermissionStore(), nil
	}
	db, err := dbs.Get(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, nil, err
	}
	regStore, err := gateway.NewPostgresRegistryStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	permStore, err := gateway.NewPostgresPermissionStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return regStore, permStore, nil
}

func buildAudit(ctx context.Context, cfg *config.Config, dbs *dbSet) (*audit.Queue, error) {
	var store audit.Store
	switch cfg.Audit.Sink.Kind {
	case "postgres":
		db, err := dbs.Get(ctx, cfg.Audit.Sink.DSN)
		if err != nil {
			return nil, err
		}
		store, err = audit.NewPostgresStore(ctx, db)
		if err != nil {
			return nil, err
		}
	case "file":
		fs, err := audit.NewFileStore(cfg.Audit.Sink.Path)
		if err != nil {
			return nil, err
		}
		store = fs
	default:
		store = audit.NewMemoryStore()
	}

	var shipper *audit.Shipper
	if cfg.Audit.Archive.Kind != "" {
		archiver, err := buildArchiver(ctx, cfg.Audit.Archive)
		if err != nil {
			return nil, err
		}
		shipper = audit.NewShipper(archiver, cfg.Audit.Archive.Prefix, 0, nil)
	}

	return audit.NewQueue(audit.QueueOptions{
		Store:        store,
		QueueSize:    cfg.Audit.QueueSize,
		Workers:      cfg.Audit.Workers,
		FallbackPath: cfg.Audit.FallbackPath,
		Shipper:      shipper,
	})
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig) (audit.Archiver, error) {
	switch cfg.Kind {
	case "s3":
		return audit.NewS3Archiver(ctx, audit.S3ArchiverOptions{
			Bucket: cfg.Bucket,
			Region: cfg.Region,
		})
	case "gcs":
		return audit.NewGCSArchiver(ctx, audit.GCSArchiverOptions{
			Bucket: cfg.Bucket,
		})
	case "azblob":
		return audit.NewAzBlobArchiver(audit.AzBlobArchiverOptions{
			Account:   cfg.Account,
			Container: cfg.Container,
		})
	default:
		return nil, fmt.Errorf("audit.archive.kind %q is not recognized", cfg.Kind)
	}
}

func buildCostTracker(ctx context.Context, cfg *config.Config, dbs *dbSet) (*cost.Tracker, error) {
	var store cost.Store
	if cfg.Cost.Sink.Kind == "postgres" {
		db, err := dbs.Get(ctx, cfg.Cost.Sink.DSN)
		if err != nil {
			return nil, err
		}
		ps, err := cost.NewPostgresStore(ctx, db)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = cost.NewMemoryStore()
	}

	budgets := make([]*cost.Budget, 0, len(cfg.Cost.Budgets))
	for _, b := range cfg.Cost.Budgets {
		budget := &cost.Budget{
			Name:         b.Name,
			ThresholdUSD: b.ThresholdUSD,
			Period:       b.Period,
			PeriodDays:   b.PeriodDays,
			Scope:        b.Scope,
		}
		if b.WebhookURL != "" {
			budget.Sinks = []cost.Alerter{cost.NewWebhookAlerter(b.WebhookURL)}
		}
		budgets = append(budgets, budget)
	}

	return cost.NewTracker(cost.TrackerOptions{
		Store:               store,
		Budgets:             budgets,
		SQLRatePerSecondUSD: cfg.Cost.SQLRatePerSecondUSD,
	})
}

func buildProviderManager(cfg *config.Config, secrets vault.SecretSource, auditQueue *audit.Queue) *llm.Manager {
	return llm.NewManager(llmfactory.New(secrets),
		llm.WithAirGapped(cfg.AirGapped),
		llm.WithDefaultRetry(retryPolicy(cfg.Retry.Default)),
		llm.WithSwitchHook(func(agentID string, rec llm.SwitchRecord) {
			event := audit.NewEvent(agentID, audit.ActionProviderSwitch, audit.StatusOK)
			event.Details = map[string]interface{}{
				"from":   rec.From,
				"to":     rec.To,
				"reason": rec.Reason,
			}
			_ = auditQueue.Append(context.Background(), event)
		}),
	)
}

func providerSpec(id string, p config.ProviderConfig) llm.ProviderSpec {
	spec := llm.ProviderSpec{
		ID:            id,
		Kind:          llm.ProviderKind(p.Kind),
		Endpoint:      p.Endpoint,
		Model:         p.Model,
		CredentialRef: p.CredentialRef,
		Region:        p.Region,
		RateLimits: sdk.Limits{
			PerMinute: p.RateLimits.PerMinute,
			PerHour:   p.RateLimits.PerHour,
		},
	}
	if p.Retry != nil {
		policy := retryPolicy(*p.Retry)
		spec.Retry = &policy
	}
	return spec
}

func retryPolicy(p config.RetryPolicy) sdk.Policy {
	return sdk.Policy{
		Strategy:    sdk.Strategy(p.Strategy),
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay(),
		MaxDelay:    p.MaxDelay(),
		Jitter:      p.Jitter,
	}
}

func buildLimiter(ctx context.Context, cfg *config.Config) (gateway.AgentLimiter, error) {
	limits := gateway.AgentRateLimits{
		PerMinute: cfg.RateLimit.Default.PerMinute,
		PerHour:   cfg.RateLimit.Default.PerHour,
	}
	if cfg.RateLimit.Backend == "redis" {
		return gateway.NewRedisAgentLimiter(ctx, gateway.RedisLimiterOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Limits:   limits,
		})
	}
	return gateway.NewMemoryAgentLimiter(limits), nil
}

func screenModes(modes map[string]string) map[string]gateway.ScreenMode {
	if len(modes) == 0 {
		return nil
	}
	out := make(map[string]gateway.ScreenMode, len(modes))
	for agent, mode := range modes {
		out[agent] = gateway.ScreenMode(strings.ToLower(mode))
	}
	return out
}

func resolveJWTSecret(ctx context.Context, cfg *config.Config, secrets vault.SecretSource) ([]byte, error) {
	raw := cfg.Admin.JWTSecret
	if raw == "" && cfg.Admin.JWTSecretRef != "" {
		resolved, err := secrets.Resolve(ctx, cfg.Admin.JWTSecretRef)
		if err != nil {
			return nil, fmt.Errorf("resolving admin.jwt_secret_ref: %w", err)
		}
		raw = resolved
	}
	if raw == "" {
		return nil, nil
	}
	return []byte(strings.TrimSpace(raw)), nil
}
