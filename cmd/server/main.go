package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/rentrig/internal/api"
	"github.com/shehryarbajwa/rentrig/internal/config"
	"github.com/shehryarbajwa/rentrig/internal/container"
	"github.com/shehryarbajwa/rentrig/internal/lock"
	"github.com/shehryarbajwa/rentrig/internal/metrics"
	"github.com/shehryarbajwa/rentrig/internal/ratelimit"
	"github.com/shehryarbajwa/rentrig/internal/sandbox"
	"github.com/shehryarbajwa/rentrig/internal/session"
	"github.com/shehryarbajwa/rentrig/internal/store"
	"github.com/shehryarbajwa/rentrig/internal/store/mongo"
	"github.com/shehryarbajwa/rentrig/internal/stream"
	"github.com/shehryarbajwa/rentrig/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := newLogger(cfg)
	if err := run(cfg, &logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "rentrig").Logger()
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	logger.Info().Msg("starting rentrig")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Container engine
	engine, err := container.NewDockerEngine(container.DockerOptions{
		TLSCAFile:   cfg.DockerTLSCA,
		TLSCertFile: cfg.DockerTLSCert,
		TLSKeyFile:  cfg.DockerTLSKey,
	}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = engine.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info().Bool("tls", cfg.DockerTLS()).Msg("container engine reachable")

	// Language runtimes
	registry := sandbox.NewRegistry()
	if cfg.RuntimesFile != "" {
		registry, err = sandbox.LoadRegistry(cfg.RuntimesFile)
		if err != nil {
			return err
		}
	}
	logger.Info().Strs("languages", registry.Languages()).Msg("runtimes loaded")

	if cfg.PrepullImages {
		pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		for _, ref := range registry.BaseImages() {
			if err := engine.EnsureImage(pullCtx, ref); err != nil {
				logger.Warn().Err(err).Str("image", ref).Msg("failed to pull base image")
			}
		}
		cancel()
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}

	// Persistence
	var st store.Store
	switch cfg.StoreBackend {
	case config.StoreMongo:
		client, err := mongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())

		mongoStore, err := mongo.New(ctx, mongo.Options{Client: client, Database: cfg.MongoDatabase})
		if err != nil {
			return err
		}
		st = mongoStore
		logger.Info().Str("database", cfg.MongoDatabase).Msg("using mongodb store")
	default:
		st = store.NewMemoryStore()
		logger.Warn().Msg("using in-memory store, records are lost on restart")
	}

	// Execution locks
	var locker lock.Locker
	switch cfg.LockBackend {
	case config.LockRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis execution locks")
	default:
		locker = lock.NewMemoryLocker()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	hub := stream.NewHub(logger)
	builder := sandbox.NewBuilder(ws, registry, logger)
	sessionMgr := session.NewManager(st, builder, ws, engine, locker, session.Config{
		ExecTimeout:     cfg.ExecTimeout,
		MaxConcurrent:   cfg.MaxConcurrent,
		BuildRetries:    cfg.BuildRetries,
		BuildRetryDelay: cfg.BuildRetryDelay,
		CleanupImages:   cfg.CleanupImages,
		Workers:         cfg.Workers,
		QueueCapacity:   cfg.QueueCapacity,
		Run: container.RunOptions{
			MemoryLimitMB:   cfg.MemoryLimitMB,
			PidsLimit:       cfg.PidsLimit,
			NanoCPUs:        cfg.NanoCPUs,
			NetworkDisabled: cfg.NetworkDisabled,
		},
	}, logger, session.WithHub(hub), session.WithMetrics(mt))

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	sessionMgr.StartWorkers(workerCtx)

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	outputServer := stream.NewServer(hub, sessionMgr.WatchSession, logger)
	handler := api.NewHandler(sessionMgr, outputServer, logger)
	router := handler.SetupRoutes(rateLimiter, mt, reg, engine.Ping)

	// Synchronous uploads hold the request open for the whole execution
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.ExecTimeout + 5*time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		stopWorkers()
		sessionMgr.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}

	stopWorkers()
	sessionMgr.Wait()
	logger.Info().Msg("server stopped cleanly")
	return nil
}
