package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"carelink/internal/servicetoken"
	"carelink/internal/util"
	"carelink/pkg/ai"
	"carelink/pkg/queue"
	"carelink/pkg/storage"
	"carelink/services/indexer/internal/app"
	"carelink/services/indexer/internal/config"
	"carelink/services/indexer/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "indexer")

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		util.Fatal("failed to init object store", "err", err)
	}
	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
	})
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
	}
	index, err := ai.NewOpenAIClient(ai.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		util.Fatal("failed to init generation service client", "err", err)
	}
	tokenVerifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Audience:       "indexer",
		AllowedIssuers: []string{"library-service", "chat-service"},
	})
	if err != nil {
		util.Fatal("failed to init service token verifier", "err", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:      cfg.DatabaseURL,
		Objects:          objects,
		Index:            index,
		Queue:            jobQueue,
		QueueConcurrency: cfg.QueueConcurrency,
		PollInterval:     time.Duration(cfg.PollIntervalSeconds) * time.Second,
		PollAttempts:     cfg.PollAttempts,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("indexer server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
