package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bookforge/internal/ratelimit"
	"bookforge/internal/servicetoken"
	"bookforge/internal/util"
	"bookforge/pkg/ai"
	"bookforge/pkg/queue"
	"bookforge/pkg/storage"
	"bookforge/services/bookgen/internal/app"
	"bookforge/services/bookgen/internal/config"
	"bookforge/services/bookgen/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
		Consumer: cfg.QueueConsumer,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	generator, err := buildGenerator(cfg)
	if err != nil {
		log.Fatalf("failed to init generator: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Generator:   generator,
		Objects:     objects,
		Jobs:        jobQueue,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "bookforge:ratelimit", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	internalVerifier, err := servicetoken.NewVerifier("bookgen-internal", cfg.InternalTokenSecret, cfg.InternalTokenIssuers, servicetoken.DefaultLeeway)
	if err != nil {
		log.Fatalf("failed to init internal verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:              appCore,
		InternalVerifier: internalVerifier,
		Limiter:          limiter,
		TrustedProxies:   trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("bookgen server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		jobQueue.Start(ctx, cfg.QueueConcurrency, appCore.HandleGenerationJob)
		slog.Info("generation workers started", "concurrency", cfg.QueueConcurrency)
		<-ctx.Done()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("bookgen exited", "err", err)
	}
}

func buildGenerator(cfg config.FileConfig) (ai.TextGenerator, error) {
	switch cfg.ProviderKind {
	case "openai-compat":
		return ai.NewOpenAICompatGenerator(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderModel), nil
	case "ollama":
		return ai.NewOllamaGenerator(cfg.ProviderBaseURL, cfg.ProviderModel), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.ProviderKind)
	}
}
