package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"carelink/internal/servicetoken"
	"carelink/internal/util"
	"carelink/pkg/ai"
	"carelink/services/summarizer/internal/app"
	"carelink/services/summarizer/internal/config"
	"carelink/services/summarizer/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "summarizer")

	aiClient, err := ai.NewOpenAIClient(ai.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})
	if err != nil {
		util.Fatal("failed to init generation service client", "err", err)
	}
	tokenVerifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Audience:       "summarizer",
		AllowedIssuers: []string{"chat-service"},
	})
	if err != nil {
		util.Fatal("failed to init service token verifier", "err", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		Generator:      aiClient,
		ChunkThreshold: cfg.ChunkThreshold,
		Concurrency:    cfg.Concurrency,
		Interval:       time.Duration(cfg.IntervalMinutes) * time.Minute,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	go appCore.Run(context.Background())

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("summarizer server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
