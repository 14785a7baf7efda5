package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/adapters/observability"
	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/internal/api"
	"github.com/satriahrh/medspa-realtime/internal/audio"
	"github.com/satriahrh/medspa-realtime/internal/auth"
	"github.com/satriahrh/medspa-realtime/internal/chat"
	"github.com/satriahrh/medspa-realtime/internal/config"
	"github.com/satriahrh/medspa-realtime/internal/transcription"
)

const defaultQuestion = "What aftercare do you recommend after lip filler?"

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := config.Load(); err != nil {
		logger.Fatal("Failed to load .env", zap.Error(err))
	}
	cfg, err := config.ClientFromEnv(os.Getenv)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := auth.NewHTTPTokenProvider(auth.HTTPTokenProviderConfig{
		BaseURL:      cfg.APIBaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create token provider", zap.Error(err))
	}

	question := strings.TrimSpace(strings.Join(os.Args[1:], " "))
	if question == "" {
		question = defaultQuestion
	}
	if err := runChat(ctx, cfg, tokens, question, logger); err != nil {
		logger.Error("Chat demo failed", zap.Error(err))
		os.Exit(1)
	}

	sessions, err := api.NewSessionClient(cfg.APIBaseURL, tokens, nil, logger)
	if err != nil {
		logger.Fatal("Failed to create session client", zap.Error(err))
	}
	if err := runDictation(ctx, cfg, sessions, tokens, logger); err != nil {
		logger.Error("Dictation demo failed", zap.Error(err))
		os.Exit(1)
	}
}

func runChat(ctx context.Context, cfg config.ClientConfig, tokens *auth.HTTPTokenProvider, question string, logger *zap.Logger) error {
	observer := observability.NewDeliveryLogger(logger)
	engine := chat.NewEngine(chat.Options{
		URL:            cfg.ChatURL,
		PatientID:      cfg.PatientID,
		ContextEnabled: true,
		StreamTimeout:  cfg.StreamTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
	}, tokens, observer, logger)
	defer engine.Close()

	if err := engine.Connect(ctx); err != nil {
		return fmt.Errorf("connect chat: %w", err)
	}
	fmt.Printf("you> %s\n", question)
	if !engine.SendMessage(question) {
		return fmt.Errorf("message was not accepted")
	}

	timeout := time.NewTimer(cfg.StreamTimeout + 5*time.Second)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("no reply within %s", cfg.StreamTimeout)
		case ev := <-engine.Events():
			switch ev.Kind {
			case chat.EventStreamStart:
				fmt.Print("assistant> ")
			case chat.EventStreamChunk:
				fmt.Print(ev.Text)
			case chat.EventError:
				fmt.Printf("\n[error] %s\n", ev.Text)
			case chat.EventMessage:
				if ev.Message.Sender != entities.SenderAssistant {
					continue
				}
				fmt.Println()
				stats := observer.Stats()
				fmt.Printf("[delivered] %d response(s), models %v\n", stats.Responses, stats.ByModel)
				return nil
			}
		}
	}
}

func runDictation(ctx context.Context, cfg config.ClientConfig, sessions *api.SessionClient, tokens *auth.HTTPTokenProvider, logger *zap.Logger) error {
	device, err := inputDevice(cfg.AudioInput)
	if err != nil {
		return err
	}
	engine := transcription.NewEngine(transcription.Options{
		Device: device,
		Format: audio.DefaultFormat(),
	}, sessions, tokens, logger)

	if err := engine.Start(ctx, transcription.StartRequest{PatientID: cfg.PatientID, ChartType: cfg.ChartType}); err != nil {
		return fmt.Errorf("start dictation: %w", err)
	}
	fmt.Printf("dictating for %s...\n", cfg.DictationDuration)

	deadline := time.NewTimer(cfg.DictationDuration)
	defer deadline.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case ev := <-engine.Events():
			switch ev.Kind {
			case transcription.EventPartial:
				fmt.Printf("\r... %s", ev.Text)
			case transcription.EventFinal:
				fmt.Printf("\r>>> %s\n", ev.Text)
			case transcription.EventError:
				fmt.Printf("\n[error] %s\n", ev.Text)
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := engine.Stop(stopCtx)

	snap := engine.Snapshot()
	fmt.Printf("\nsession %s: %d frame(s) sent, %d dropped\n", snap.SessionID, snap.FramesSent, snap.FramesDropped)
	fmt.Printf("transcript: %s\n", strings.Join(snap.Segments, " "))
	if snap.Error != "" {
		return fmt.Errorf("dictation: %s", snap.Error)
	}
	return stopErr
}
