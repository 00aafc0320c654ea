package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/llm"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/orchestrator"
	"github.com/lexiqai/voice-assistant/internal/persistence"
	"github.com/lexiqai/voice-assistant/internal/session"
	"github.com/lexiqai/voice-assistant/internal/stt"
	"github.com/lexiqai/voice-assistant/internal/transport"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("llm_provider", cfg.LLMProvider).
		Str("tts_transport", cfg.CartesiaTransport).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Assistant Service starting")

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	checks := map[string]observability.HealthCheckFunc{}

	// Language model
	var generator llm.Generator
	switch cfg.LLMProvider {
	case "gemini":
		gemini, err := llm.NewGeminiClient(startupCtx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Gemini client")
		}
		generator = gemini
	default:
		grpcClient, err := llm.NewGRPCClient(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create LLM gRPC client")
		}
		defer grpcClient.Close()
		generator = grpcClient
		checks["llm"] = grpcClient.HealthCheck
	}

	// Speech synthesis
	var synthesizer tts.Synthesizer
	if cfg.CartesiaTransport == "websocket" {
		wsClient := tts.NewCartesiaWSClient(cfg)
		defer wsClient.Close()
		synthesizer = wsClient
	} else {
		synthesizer = tts.NewCartesiaClient(cfg)
	}

	// Persistence
	store, err := persistence.NewStore(startupCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer store.Close()
	checks["store"] = func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	registry := session.NewRegistry()
	voice := transport.NewHandler(cfg, transport.Dependencies{
		Transcriber: stt.NewDeepgramClient(cfg),
		Responder:   orchestrator.New(generator, synthesizer, orchestrator.NewConfig(cfg)),
		Store:       store,
	}, registry)

	router := transport.NewRouter(transport.RouterConfig{
		Version:        version,
		MetricsEnabled: cfg.MetricsEnabled,
		Checks:         checks,
	}, voice, registry)

	// Websocket connections are long-lived, so no read/write timeouts here;
	// the transport sets per-message deadlines itself.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/v1/voice/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopped := registry.CancelAll(session.ReasonShutdown)
	if !registry.Wait(ctx) {
		logger.Warn().Int("sessions", registry.Count()).Msg("Sessions still running at shutdown deadline")
	}
	logger.Info().Int("sessions", stopped).Msg("Active sessions stopped")

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
