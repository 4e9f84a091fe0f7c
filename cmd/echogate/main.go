// Command echogate is the streaming transcription gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessira/echogate/internal/auth"
	"github.com/tessira/echogate/internal/config"
	"github.com/tessira/echogate/internal/gateway"
	"github.com/tessira/echogate/internal/health"
	"github.com/tessira/echogate/internal/observe"
	"github.com/tessira/echogate/internal/resilience"
	"github.com/tessira/echogate/internal/server"
	"github.com/tessira/echogate/pkg/transcriber"
	openaiengine "github.com/tessira/echogate/pkg/transcriber/openai"
	whisperengine "github.com/tessira/echogate/pkg/transcriber/whisper"
	"github.com/tessira/echogate/pkg/usage"
	usagepg "github.com/tessira/echogate/pkg/usage/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "echogate: %v\n", err)
			return 1
		}
	} else {
		cfg = config.Default()
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("echogate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"engine", cfg.Transcriber.Engine,
		"usage_backend", cfg.Usage.Backend,
		"tokens", len(cfg.Auth.Tokens),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Collaborators ─────────────────────────────────────────────────────────
	resolver := auth.NewResolver(cfg.Auth.Tokens)

	store, storeClose, err := buildUsageStore(ctx, cfg, resolver)
	if err != nil {
		slog.Error("failed to build usage store", "err", err)
		return 1
	}
	if storeClose != nil {
		defer storeClose()
	}

	engine, fallback, err := buildEngine(cfg.Transcriber, metrics)
	if err != nil {
		slog.Error("failed to build transcription engine", "err", err)
		return 1
	}

	// ── Gateway + server ──────────────────────────────────────────────────────
	gw := gateway.New(resolver, store, engine, metrics, gateway.Config{
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		TaskTimeout:   time.Duration(cfg.Dispatch.TaskTimeoutSeconds) * time.Second,
		QueueLimit:    cfg.Dispatch.QueueLimit,
	})

	checkers := []health.Checker{{
		Name: "usage_store",
		Check: func(ctx context.Context) error {
			_, err := store.Get(ctx, "healthcheck")
			return err
		},
	}}
	if fallback != nil {
		checkers = append(checkers, health.Checker{
			Name:  "transcriber",
			Check: fallback.Check,
		})
	}
	healthHandler := health.New(checkers...)

	srvCfg := server.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
	}
	if cfg.Server.TLS != nil {
		srvCfg.CertFile = cfg.Server.TLS.CertFile
		srvCfg.KeyFile = cfg.Server.TLS.KeyFile
	}
	srv := server.New(srvCfg, gw, resolver, store, metrics, healthHandler)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Collaborator wiring ───────────────────────────────────────────────────────

// buildUsageStore creates the configured budget ledger, seeded with a full
// initial budget for every user named in the token table. The returned close
// function is nil for the in-memory backend.
func buildUsageStore(ctx context.Context, cfg *config.Config, resolver *auth.Resolver) (usage.Store, func(), error) {
	switch cfg.Usage.Backend {
	case config.UsagePostgres:
		pool, err := pgxpool.New(ctx, cfg.Usage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := usagepg.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.Seed(ctx, cfg.Usage.InitialBudgetMs, resolver.UserIDs()...); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return usage.NewMemoryStore(cfg.Usage.InitialBudgetMs, resolver.UserIDs()...), nil, nil
	}
}

// buildEngine creates the configured transcription engine, optionally
// wrapped with circuit-breaker failover to the local engine. The returned
// fallback chain is nil unless failover is enabled; when present it also
// serves as the transcriber readiness checker.
func buildEngine(cfg config.TranscriberConfig, metrics *observe.Metrics) (transcriber.Engine, *resilience.EngineFallback, error) {
	localOpts := []transcriber.LocalOption{
		transcriber.WithRealtime(cfg.Realtime),
	}
	if cfg.BytesPerWord > 0 {
		localOpts = append(localOpts, transcriber.WithBytesPerWord(cfg.BytesPerWord))
	}
	if cfg.MsPerWord > 0 {
		localOpts = append(localOpts, transcriber.WithMsPerWord(cfg.MsPerWord))
	}
	local := transcriber.NewLocal(localOpts...)

	var primary transcriber.Engine
	var primaryName string

	switch cfg.Engine {
	case config.EngineLocal:
		return local, nil, nil

	case config.EngineWhisper:
		opts := []whisperengine.Option{}
		if cfg.Model != "" {
			opts = append(opts, whisperengine.WithModel(cfg.Model))
		}
		if cfg.BytesPerWord > 0 || cfg.MsPerWord > 0 {
			opts = append(opts, whisperengine.WithCostModel(cfg.BytesPerWord, cfg.MsPerWord))
		}
		eng, err := whisperengine.New(cfg.BaseURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		primary, primaryName = eng, "whisper"

	case config.EngineOpenAI:
		opts := []openaiengine.Option{}
		if cfg.Model != "" {
			opts = append(opts, openaiengine.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openaiengine.WithBaseURL(cfg.BaseURL))
		}
		if cfg.BytesPerWord > 0 || cfg.MsPerWord > 0 {
			opts = append(opts, openaiengine.WithCostModel(cfg.BytesPerWord, cfg.MsPerWord))
		}
		eng, err := openaiengine.New(cfg.APIKey, opts...)
		if err != nil {
			return nil, nil, err
		}
		primary, primaryName = eng, "openai"

	default:
		return nil, nil, fmt.Errorf("unknown transcriber engine %q", cfg.Engine)
	}

	if !cfg.LocalFallback {
		return primary, nil, nil
	}
	fallback := resilience.NewEngineFallback(primaryName, primary, resilience.BreakerConfig{Metrics: metrics})
	fallback.AddFallback("local", local)
	return fallback, fallback, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
