package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/auth"
	"github.com/veylan/relay/internal/cascade"
	"github.com/veylan/relay/internal/config"
	"github.com/veylan/relay/internal/keyvault"
	"github.com/veylan/relay/internal/knowledge"
	"github.com/veylan/relay/internal/policy"
	"github.com/veylan/relay/internal/provider"
	"github.com/veylan/relay/internal/provider/anthropic"
	"github.com/veylan/relay/internal/provider/gemini"
	"github.com/veylan/relay/internal/provider/openai"
	"github.com/veylan/relay/internal/ratelimit"
	"github.com/veylan/relay/internal/server"
	"github.com/veylan/relay/internal/storage"
	"github.com/veylan/relay/internal/storage/sqlite"
	"github.com/veylan/relay/internal/telemetry"
	"github.com/veylan/relay/internal/transcribe"
	"github.com/veylan/relay/internal/worker"
)

const grokBaseURL = "https://api.x.ai/v1"

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("starting relay", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	vault, err := keyvault.New(store, cfg.Vault.EncryptionKey)
	if err != nil {
		return err
	}
	defer vault.Close()

	ctx := context.Background()
	if err := bootstrapKeys(ctx, cfg, store, vault); err != nil {
		return err
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	}

	// Auth stack
	plans := cfg.PlanTable()
	tokens := auth.NewTokenIssuer([]byte(cfg.Auth.AccessTokenSecret), cfg.Auth.AccessTokenTTL)
	authSvc := auth.NewService(store, store, tokens, plans, cfg.Auth.RefreshTokenTTL)
	gate := ratelimit.NewPollGate()
	flow := auth.NewDeviceFlow(store, store, authSvc, gate, cfg.Auth.VerificationURI, cfg.Auth.DeviceCodeTTL, cfg.Auth.PollInterval)

	// Upstream providers
	resolver := &dnscache.Resolver{}
	client := provider.NewHTTPClient(resolver)
	registry := provider.NewRegistry()
	baseURLs := providerBaseURLs(cfg)
	registry.Register(relay.ProviderOpenAI, openai.New(relay.ProviderOpenAI, baseURLs[relay.ProviderOpenAI]))
	registry.Register(relay.ProviderGrok, openai.New(relay.ProviderGrok, orDefault(baseURLs[relay.ProviderGrok], grokBaseURL)))
	registry.Register(relay.ProviderAnthropic, anthropic.New(baseURLs[relay.ProviderAnthropic]))
	registry.Register(relay.ProviderGemini, gemini.New(baseURLs[relay.ProviderGemini]))
	orchestrator := cascade.New(registry, vault, client)

	// Admission and knowledge
	catalog := policy.NewCatalog(cfg.Models)
	engine := policy.NewEngine(plans, catalog, store, vault)
	injector := knowledge.New(knowledge.NewStoreRetriever(store), cfg.Knowledge.Enabled, knowledge.Options{
		MaxResults:    cfg.Knowledge.MaxResults,
		MinSimilarity: cfg.Knowledge.MinSimilarity,
	})
	vendor := transcribe.NewVendor(vault, store, plans, nil, baseURLs)

	// Background workers
	usage := worker.NewUsageRecorder(store)
	runner := worker.NewRunner(
		usage,
		worker.NewGrantSweeper(store, gate),
		worker.NewUsagePruner(store, store, cfg.Usage.RetentionDays),
	)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()

	// Refresh cached DNS entries in the background.
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				resolver.Refresh(true)
			}
		}
	}()

	handler := server.New(server.Deps{
		Auth:       authSvc,
		DeviceFlow: flow,
		Tokens:     tokens,
		Policy:     engine,
		Cascade:    orchestrator,
		Vault:      vault,
		Knowledge:  injector,
		Transcribe: vendor,
		Store:      store,
		Metrics:    metrics,
		ReadyCheck: store.Ping,
		Usage:      usage,
		CORS:       cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("relay ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the HTTP surface is quiet so the usage recorder
	// drains everything in-flight requests produced.
	stopWorkers()
	<-workersDone

	slog.Info("relay stopped")
	return nil
}

// bootstrapKeys seeds admin provider keys from config. A provider with a
// plaintext api_key in config gets an encrypted active row unless one
// already exists.
func bootstrapKeys(ctx context.Context, cfg *config.Config, store storage.Store, vault *keyvault.Vault) error {
	for _, p := range cfg.Providers {
		if !p.IsEnabled() || p.APIKey == "" {
			continue
		}
		// Unset ${VAR} references survive expansion verbatim; an absent env
		// var means the provider is simply not configured.
		if strings.HasPrefix(p.APIKey, "${") {
			continue
		}
		if _, err := store.GetActiveAdminKey(ctx, p.Name); err == nil {
			continue
		} else if !errors.Is(err, relay.ErrNotFound) {
			return err
		}
		encrypted, err := vault.Encrypt(p.APIKey)
		if err != nil {
			return err
		}
		if err := store.UpsertAdminKey(ctx, &relay.AdminAPIKey{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Provider:     p.Name,
			EncryptedKey: encrypted,
			IsActive:     true,
			CreatedAt:    time.Now(),
		}); err != nil {
			return err
		}
		slog.Info("provider key bootstrapped", "provider", p.Name)
	}
	return nil
}

// providerBaseURLs collects configured base URL overrides by provider name.
func providerBaseURLs(cfg *config.Config) map[string]string {
	m := make(map[string]string)
	for _, p := range cfg.Providers {
		if p.IsEnabled() && p.BaseURL != "" {
			m[p.Name] = p.BaseURL
		}
	}
	return m
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
