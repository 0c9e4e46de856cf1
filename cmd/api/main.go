package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"medilink-signal/config"
	"medilink-signal/internal/auth"
	"medilink-signal/internal/coordinator"
	"medilink-signal/internal/docstore"
	"medilink-signal/internal/handler"
	"medilink-signal/internal/media"
	"medilink-signal/internal/middleware"
	"medilink-signal/internal/peer"
	"medilink-signal/internal/postgres"
	"medilink-signal/internal/redis"
	"medilink-signal/internal/server"
	"medilink-signal/internal/session"
	"medilink-signal/internal/signaling"
	"medilink-signal/internal/storage"
	"medilink-signal/pkg/logger"
)

type backend struct {
	store   docstore.Store
	health  func(ctx context.Context) error
	limiter middleware.Limiter
}

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx := context.Background()

	b, err := openBackend(ctx, cfg, l.Logger)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}

	factory, err := peer.NewFactory(peer.FactoryOptions{})
	if err != nil {
		log.Fatalf("Failed to create peer factory: %v", err)
	}

	deps := coordinator.Deps{
		Calls:      signaling.NewCalls(b.store, signaling.WithLogger(l.Named("signaling"))),
		Source:     peer.NewSampleSource(peer.Permissions{Audio: cfg.AllowAudio, Video: cfg.AllowVideo}),
		Factory:    factory,
		ICEServers: iceServers(cfg),
		Policy: coordinator.QualityPolicy{
			GoodBelow: int64(cfg.QualityGoodBelow),
			FairBelow: int64(cfg.QualityFairBelow),
		},
		Logger: l.Named("coordinator"),
	}
	if cfg.ArchiveBucket != "" {
		archive, err := storage.NewArchive(ctx, storage.S3Config{
			Region:    cfg.ArchiveRegion,
			Bucket:    cfg.ArchiveBucket,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Endpoint:  cfg.ArchiveEndpoint,
		}, l.Named("archive"))
		if err != nil {
			log.Fatalf("Failed to configure call archive: %v", err)
		}
		deps.Archiver = archive
	}
	manager := coordinator.NewManager(deps)

	registryOpts := []session.Option{
		session.WithTokenStore(session.NewFileTokenStore(cfg.TokenFile)),
		session.WithIPResolver(session.NewHTTPLookup(cfg.IPLookupURLs, cfg.IPLookupTimeout, l.Named("iplookup"))),
		session.WithHeartbeatPeriod(cfg.HeartbeatPeriod),
		session.WithLogger(l.Named("session")),
	}
	if cfg.DeviceUserAgent != "" {
		registryOpts = append(registryOpts, session.WithUserAgent(cfg.DeviceUserAgent))
	}
	registry := session.NewRegistry(b.store, registryOpts...)

	sweeper := session.NewSweeper(b.store, cfg.SessionMaxAge,
		session.WithSweepSchedule(cfg.SweepSchedule),
		session.WithSweepLogger(l.Named("sweeper")),
	)
	if sweeper.Enabled() {
		if err := sweeper.Start(); err != nil {
			log.Fatalf("Failed to schedule session sweep: %v", err)
		}
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to create token verifier: %v", err)
	}

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Calls:    handler.NewCallHandler(manager, l.Named("handler")),
		Sessions: handler.NewSessionHandler(registry),
	}, server.Deps{
		Verifier: verifier,
		Limiter:  b.limiter,
		Health:   b.health,
	})

	err = srv.Start(
		manager.Shutdown,
		func(context.Context) error { registry.Close(); return nil },
		func(ctx context.Context) error {
			select {
			case <-sweeper.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
		func(context.Context) error { return b.store.Close() },
	)
	if err != nil {
		l.Logger.Error("server exited", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case "redis":
		client, err := redis.Connect(ctx, redis.ConfigFrom(cfg))
		if err != nil {
			return nil, err
		}
		limits := redis.DefaultRateLimitConfig()
		limits.CallLimit = cfg.CallRateLimit
		limits.SessionLimit = cfg.SessionRateLimit
		return &backend{
			store:   redis.NewDocStore(client, zl.Named("redis")),
			health:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
			limiter: redis.NewRateLimiter(client, limits),
		}, nil
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := postgres.Connect(connectCtx, cfg.PostgresDSN, zl.Named("postgres"))
		if err != nil {
			return nil, err
		}
		return &backend{store: store, health: store.Ping}, nil
	default:
		if cfg.StoreBackend != "memory" {
			zl.Warn("unknown store backend, using memory", zap.String("backend", cfg.StoreBackend))
		}
		return &backend{store: docstore.NewMemoryStore()}, nil
	}
}

func iceServers(cfg *config.Config) []media.ICEServer {
	if len(cfg.ICEServers) == 0 {
		return nil
	}
	return []media.ICEServer{{
		URLs:       cfg.ICEServers,
		Username:   cfg.ICEUsername,
		Credential: cfg.ICECredential,
	}}
}
