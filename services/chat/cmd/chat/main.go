package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"streamchat/internal/metrics"
	"streamchat/internal/ratelimit"
	"streamchat/internal/servicetoken"
	"streamchat/internal/usertoken"
	"streamchat/internal/util"
	"streamchat/pkg/ai"
	"streamchat/pkg/queue"
	"streamchat/pkg/resumable"
	"streamchat/pkg/storeclient"
	"streamchat/services/chat/internal/app"
	"streamchat/services/chat/internal/config"
	"streamchat/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "chat", cfg.LogsDir)
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	ownerTTL, _ := config.ParseDuration("streamOwnerTTL", cfg.StreamOwnerTTL)
	retention, _ := config.ParseDuration("streamRetention", cfg.StreamRetention)
	finalizeTimeout, _ := config.ParseDuration("finalizeTimeout", cfg.FinalizeTimeout)

	registry := ai.DefaultRegistry()
	if cfg.ModelRegistryPath != "" {
		registry, err = ai.LoadRegistry(cfg.ModelRegistryPath)
		if err != nil {
			util.Fatal("failed to load model registry", "err", err)
		}
	}
	tools, err := app.BuiltinTools(cfg.Tools)
	if err != nil {
		util.Fatal("failed to init tools", "err", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	var coordinator resumable.Coordinator = resumable.Passthrough{}
	if cfg.ResumableStreams {
		coordinator, err = resumable.NewRedisCoordinator(redisClient, resumable.RedisConfig{
			OwnerTTL:  ownerTTL,
			Retention: retention,
		})
		if err != nil {
			util.Fatal("failed to init stream coordinator", "err", err)
		}
	}

	var limiter app.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "streamchat:ratelimit:chat", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	var writer app.Writer
	if cfg.StoreServiceURL != "" {
		signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
			Secret: cfg.InternalTokenSecret,
			KeyID:  cfg.InternalTokenKeyID,
			Issuer: cfg.InternalTokenIssuer,
		})
		if err != nil {
			util.Fatal("failed to init internal token signer", "err", err)
		}
		writer = storeclient.NewInternal(cfg.StoreServiceURL, signer, nil)
	} else {
		logger.Warn("storeServiceURL not set; results are streamed but not written back")
	}

	var outbox *queue.Outbox
	if writer != nil && redisClient != nil {
		outbox, err = queue.NewOutbox(queue.OutboxConfig{
			Client:     redisClient,
			Stream:     cfg.FinalizeQueue,
			MaxRetries: cfg.FinalizeMaxRetries,
			Logger:     logger,
		})
		if err != nil {
			util.Fatal("failed to init finalize queue", "err", err)
		}
	}

	m := metrics.New("chat")
	appCfg := app.Config{
		Registry:        registry,
		Coordinator:     coordinator,
		Writer:          writer,
		Limiter:         limiter,
		Tools:           tools,
		ProviderKeys:    cfg.ProviderKeys,
		FinalizeTimeout: finalizeTimeout,
		Metrics:         m,
		Logger:          logger,
	}
	if outbox != nil {
		appCfg.Outbox = outbox
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if outbox != nil {
		outbox.Start(ctx, cfg.FinalizeWorkers, appCore.HandleFinalize)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Users:          tokenVerifier,
		Metrics:        m,
		TrustedProxies: proxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("chat server listening", "addr", addr, "resumable", coordinator.Resumable())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
