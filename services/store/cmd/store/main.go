package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"streamchat/internal/metrics"
	"streamchat/internal/servicetoken"
	"streamchat/internal/usertoken"
	"streamchat/internal/util"
	"streamchat/pkg/changefeed"
	"streamchat/pkg/storage"
	"streamchat/pkg/store"
	"streamchat/services/store/internal/app"
	"streamchat/services/store/internal/config"
	"streamchat/services/store/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLogs := util.InitLogger(cfg.LogLevel, "store", cfg.LogsDir)
	defer closeLogs()

	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	presignExpiry, _ := config.ParseDuration("presignExpiry", cfg.PresignExpiry)

	var backend store.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		backend = store.NewMemoryStore()
	default:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to open database", "err", err)
		}
		defer gormStore.Close()
		backend = gormStore
	}

	var publisher changefeed.Publisher = changefeed.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := changefeed.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to connect change feed", "err", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	var resolver *storage.Resolver
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(context.Background(), storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		resolver = storage.NewResolver(objects, presignExpiry)
	}

	appCore, err := app.New(app.Config{
		Store:    changefeed.Wrap(backend, publisher),
		Resolver: resolver,
		Logger:   logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	userVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}
	extraSecrets, err := servicetoken.ParseSecrets(cfg.InternalTokenSecrets)
	if err != nil {
		util.Fatal("failed to parse internal token secrets", "err", err)
	}
	internalVerifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		Secret:         cfg.InternalTokenSecret,
		ExtraSecrets:   extraSecrets,
		Audience:       cfg.InternalTokenAudience,
		AllowedIssuers: cfg.InternalTokenIssuers,
	})
	if err != nil {
		util.Fatal("failed to init internal token verifier", "err", err)
	}

	httpServer := server.New(server.Config{
		App:      appCore,
		Users:    userVerifier,
		Internal: internalVerifier,
		Metrics:  metrics.New("store"),
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("store server listening", "addr", addr, "driver", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
