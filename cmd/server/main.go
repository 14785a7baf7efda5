package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/adapters"
	"github.com/satriahrh/medspa-realtime/adapters/llm"
	"github.com/satriahrh/medspa-realtime/adapters/stt"
	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
	"github.com/satriahrh/medspa-realtime/internal/api"
	"github.com/satriahrh/medspa-realtime/internal/auth"
	"github.com/satriahrh/medspa-realtime/internal/config"
	"github.com/satriahrh/medspa-realtime/internal/devserver"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := config.Load(); err != nil {
		logger.Fatal("Failed to load .env", zap.Error(err))
	}
	cfg, err := config.ServerFromEnv(os.Getenv)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.New()

	// Repositories
	sessions := adapters.NewMemorySessionRepository(clk)
	clients := adapters.NewMemoryClientRepository()
	if err := clients.Register(entities.APIClient{
		ID:         cfg.DevClientID,
		Secret:     cfg.DevClientSecret,
		ProviderID: cfg.DevProviderID,
	}); err != nil {
		logger.Fatal("Failed to register dev client", zap.Error(err))
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL, clk)
	if err != nil {
		logger.Fatal("Failed to create token issuer", zap.Error(err))
	}

	// Adapters
	var responder repositories.ChatResponder = llm.NewEchoResponder(cfg.ReplyDelay)
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiResponder(ctx, llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create Gemini responder", zap.Error(err))
		}
		responder = gemini
	}

	var speech repositories.SpeechToText
	switch cfg.STTProvider {
	case "google":
		speech = stt.NewGoogleSpeechToText(logger)
	default:
		speech = stt.NewMockSpeechToText(stt.DefaultScript, 0, logger)
	}
	audioConfig := devserver.DefaultAudioConfig
	audioConfig.Language = cfg.Language

	// Initialize WebSocket hub
	hub := devserver.NewHub(logger)
	go hub.Run(ctx)

	cleanup := devserver.NewSessionCleanupService(sessions, cfg.CleanupInterval, cfg.SessionTTL, clk, logger)
	cleanup.Start()
	defer cleanup.Stop()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Issuer:        issuer,
		Clients:       clients,
		Sessions:      sessions,
		Chat:          devserver.NewChatHandler(hub, issuer, responder, clk, logger),
		Transcription: devserver.NewTranscriptionHandler(hub, issuer, sessions, speech, audioConfig, clk, logger),
		PublicWSBase:  cfg.PublicWSBase,
		Logger:        logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("model", responder.Model()),
		zap.String("stt", cfg.STTProvider))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	// Close sockets with going-away before the listener stops
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
