package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatservice "bizbridge/internal/app/services/chat"
	"bizbridge/internal/infra/backend"
	"bizbridge/internal/infra/config"
	ginserver "bizbridge/internal/infra/http/gin"
	"bizbridge/internal/infra/obs"
	"bizbridge/internal/infra/realtime"
	"bizbridge/internal/infra/security"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	repo, err := backend.NewClient(backend.Config{
		BaseURL:     cfg.BackendBaseURL,
		CallTimeout: cfg.BackendCallTimeout,
	}, logger)
	if err != nil {
		logger.Error("backend client init failed", "error", err)
		os.Exit(1)
	}

	sessions := chatservice.NewRegistry(repo, realtimeDialer{url: cfg.RealtimeURL, logger: logger}, logger, chatservice.Options{
		ConversationStaleTime: cfg.ConversationStaleTime,
		MessageStaleTime:      cfg.MessageStaleTime,
		UnreadStaleTime:       cfg.UnreadStaleTime,
		PageLimit:             cfg.FeedPageLimit,
	})
	defer sessions.Close()

	handlers := ginserver.Handlers{
		Chat: ginserver.ChatHandler{
			Sessions: sessions,
			Logger:   logger,
		},
		AuthMiddleware: ginserver.AuthMiddleware{
			Validator: security.NewValidator(cfg.JWTSecret),
			Logger:    logger,
		}.Handle,
	}
	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Ready: func() error { return nil },
	}, handlers)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("messaging gateway starting", "addr", cfg.HTTPAddr, "env", cfg.Env, "backend", cfg.BackendBaseURL)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("messaging gateway stopped")
}

type realtimeDialer struct {
	url    string
	logger *slog.Logger
}

func (d realtimeDialer) Dial(ctx context.Context, token string) (chatservice.Realtime, error) {
	sub, err := realtime.Dial(ctx, d.url, token, d.logger)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
