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

	"qms/patient-queue/internal/config"
	"qms/patient-queue/internal/httpapi"
	"qms/patient-queue/internal/hub"
	"qms/patient-queue/internal/logging"
	"qms/patient-queue/internal/patient"
	"qms/patient-queue/internal/queue"
	"qms/patient-queue/internal/store"
	"qms/patient-queue/internal/store/memory"
	"qms/patient-queue/internal/store/postgres"
	"qms/patient-queue/internal/telemetry"
	"qms/patient-queue/internal/ticket"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "patient-queue"

func runServer(cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", serviceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, serviceName, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	var (
		queueStore store.QueueStore
		issuer     ticket.Issuer
	)
	if cfg.UsesMemoryStore() {
		logger.Warn().Msg("DB_DSN not set, using in-memory store")
		queueStore = memory.NewStore()
		issuer = ticket.NewMemoryIssuer()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		queueStore = postgres.NewStore(pool)
		issuer = ticket.NewPostgresIssuer(pool)
	}

	h := hub.New(logger.With().Str("component", "hub").Logger())
	var (
		notifier queue.Notifier = hub.NewLocalPublisher(h)
		relay    *hub.RedisRelay
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		issuer = ticket.NewRedisIssuer(client)
		relay = hub.NewRedisRelay(client, h, logger.With().Str("component", "relay").Logger())
		notifier = relay
	}

	var directory patient.Directory
	if cfg.PatientServiceURL != "" {
		directory = patient.NewHTTPDirectory(cfg.PatientServiceURL)
	}
	labeler := patient.NewLabeler(directory, cfg.PatientLookupTimeout(), logger)

	svc := queue.NewService(queueStore, issuer, queue.Options{
		Location: cfg.Location(),
		Labeler:  labeler,
		Notifier: notifier,
		Logger:   logger.With().Str("component", "queue").Logger(),
	})

	handler := httpapi.NewHandler(svc, httpapi.Options{
		Realtime: httpapi.NewRealtimeHandler(h, svc, logger),
		Logger:   logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})
	chain := httpapi.RequestID(httpapi.LoggingMiddleware(logger)(limiter.Middleware(handler.Routes())))

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(chain, serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunRefresh(gctx, cfg.RefreshInterval())
	})
	g.Go(func() error {
		return limiter.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
