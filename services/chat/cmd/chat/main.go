package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"carelink/internal/ratelimit"
	"carelink/internal/servicetoken"
	"carelink/internal/usertoken"
	"carelink/internal/util"
	"carelink/pkg/ai"
	"carelink/services/chat/internal/app"
	"carelink/services/chat/internal/config"
	"carelink/services/chat/internal/familyclient"
	"carelink/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "chat")

	aiClient, err := ai.NewOpenAIClient(ai.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})
	if err != nil {
		util.Fatal("failed to init generation service client", "err", err)
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         "chat-service",
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

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "carelink:chat", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:  cfg.DatabaseURL,
		Generator:    aiClient,
		Retriever:    aiClient,
		Classifier:   aiClient,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		Families:      familyclient.NewClient(cfg.FamilyServiceURL, signer),
		TokenVerifier: tokenVerifier,
		Limiter:       limiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
