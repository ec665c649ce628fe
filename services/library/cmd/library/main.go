package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"carelink/internal/servicetoken"
	"carelink/internal/usertoken"
	"carelink/internal/util"
	"carelink/pkg/ai"
	"carelink/pkg/queue"
	"carelink/pkg/storage"
	"carelink/services/library/internal/app"
	"carelink/services/library/internal/config"
	"carelink/services/library/internal/familyclient"
	"carelink/services/library/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "library")

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
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         "library-service",
	})
	if err != nil {
		util.Fatal("failed to init service token signer", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	var index ai.DocumentIndex
	if cfg.OpenAIAPIKey != "" {
		client, err := ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
		if err != nil {
			util.Fatal("failed to init generation service client", "err", err)
		}
		index = client
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		Objects:        objects,
		Queue:          jobQueue,
		Index:          index,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		Families:      familyclient.NewClient(cfg.FamilyServiceURL, signer),
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

	slog.Info("library server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
