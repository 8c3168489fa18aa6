// Command voiceline is the main entry point for the Voiceline voice-agent
// orchestration server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/voicelinehq/voiceline/internal/billing"
	"github.com/voicelinehq/voiceline/internal/config"
	"github.com/voicelinehq/voiceline/internal/generator"
	"github.com/voicelinehq/voiceline/internal/health"
	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/orchestrator"
	"github.com/voicelinehq/voiceline/internal/retrieval"
	"github.com/voicelinehq/voiceline/internal/server"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/store"
	"github.com/voicelinehq/voiceline/internal/tools"
	oaembed "github.com/voicelinehq/voiceline/pkg/provider/embeddings/openai"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	oallm "github.com/voicelinehq/voiceline/pkg/provider/llm/openai"
	remotellm "github.com/voicelinehq/voiceline/pkg/provider/llm/remote"
	"github.com/voicelinehq/voiceline/pkg/provider/stt/deepgram"
	"github.com/voicelinehq/voiceline/pkg/provider/tts"
	"github.com/voicelinehq/voiceline/pkg/provider/tts/aura"
	"github.com/voicelinehq/voiceline/pkg/provider/tts/elevenlabs"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voiceline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voiceline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voiceline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voiceline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Durable store ─────────────────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Store.PostgresDSN, cfg.Store.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer st.Close()

	// ── Session store ─────────────────────────────────────────────────────────
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
	})
	defer redisClient.Close()
	sessions := session.NewRedisStore(redisClient)
	if err := sessions.Ping(ctx); err != nil {
		slog.Error("failed to connect to redis", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	sttProvider, err := deepgram.New(cfg.Providers.STTAPIKey)
	if err != nil {
		slog.Error("failed to create stt provider", "err", err)
		return 1
	}

	ttsPrimary, err := aura.New(cfg.Providers.TTSAPIKey)
	if err != nil {
		slog.Error("failed to create tts provider", "err", err)
		return 1
	}
	var ttsSecondary tts.Provider
	if cfg.Providers.TTSSecondaryAPIKey != "" {
		secondary, err := elevenlabs.New(cfg.Providers.TTSSecondaryAPIKey)
		if err != nil {
			slog.Error("failed to create secondary tts provider", "err", err)
			return 1
		}
		ttsSecondary = secondary
	}

	localLLM, err := oallm.New(cfg.Providers.LLMAPIKey, cfg.Providers.LLMModel)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}
	var remoteLLM llm.Provider
	if cfg.Providers.RemoteGeneratorURL != "" {
		remote, err := remotellm.New(cfg.Providers.RemoteGeneratorURL)
		if err != nil {
			slog.Error("failed to create remote generator", "err", err)
			return 1
		}
		remoteLLM = remote
		slog.Info("remote generator configured", "url", cfg.Providers.RemoteGeneratorURL)
	}

	embedder, err := oaembed.New(cfg.Providers.LLMAPIKey, oaembed.WithModel(cfg.Providers.EmbeddingModel))
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}

	// ── Pipeline components ───────────────────────────────────────────────────
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		slog.Error("failed to register tools", "err", err)
		return 1
	}

	gen, err := generator.New(remoteLLM, localLLM, registry, metrics, logger)
	if err != nil {
		slog.Error("failed to create generator", "err", err)
		return 1
	}

	retriever := retrieval.NewRetriever(
		st,
		embedder,
		cfg.Retrieval.SimilarityThreshold,
		cfg.Retrieval.RRFK,
		cfg.Retrieval.Limit,
		cfg.Retrieval.Timeout,
		metrics,
		logger,
	)

	ledger := billing.NewLedger(st, metrics, logger)

	fillers := tts.NewFillerCache()
	fillers.Preload(ctx,
		tts.NewClient(aura.DefaultVoice, ttsPrimary, ttsSecondary),
		aura.DefaultVoice,
		generator.FillerPhrases(),
	)

	manager := orchestrator.NewManager(orchestrator.ManagerConfig{
		BillingInterval:  cfg.Billing.TickInterval,
		BillingIncrement: cfg.Billing.TickMinutes,
	}, orchestrator.ManagerDeps{
		STT:           sttProvider,
		TTSPrimary:    ttsPrimary,
		TTSSecondary:  ttsSecondary,
		Generator:     gen,
		Retriever:     retriever,
		Sessions:      sessions,
		Conversations: st,
		Biller:        ledger,
		Fillers:       fillers,
		Metrics:       metrics,
		Log:           logger,
	})

	// ── HTTP surface ──────────────────────────────────────────────────────────
	srv := server.New(server.Config{
		PublicHost:          cfg.Server.PublicHost,
		TwilioAuthToken:     cfg.Twilio.AuthToken,
		RateLimitPerMinute:  cfg.RateLimit.MaxCallsPerMinute,
		MinAdmissionMinutes: cfg.Billing.MinAdmissionMinutes,
	}, st, st, ledger, manager, logger)

	checks := health.New(
		health.Checker{Name: "postgres", Check: st.Ping},
		health.Checker{Name: "redis", Check: sessions.Ping},
	)

	mux := http.NewServeMux()
	checks.Register(mux)
	srv.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr, "public_host", cfg.Server.PublicHost)

	// ── Wait for shutdown ─────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	manager.Shutdown()

	slog.Info("voiceline stopped")
	return 0
}

// newLogger builds a text slog.Logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
