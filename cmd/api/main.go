// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atriumworld/atrium/internal/config"
	"github.com/atriumworld/atrium/internal/dispatch"
	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
	"github.com/atriumworld/atrium/internal/idempotency"
	"github.com/atriumworld/atrium/internal/logging"
	"github.com/atriumworld/atrium/internal/persistence/postgres"
	"github.com/atriumworld/atrium/internal/projection"
	"github.com/atriumworld/atrium/internal/relay"
	httptransport "github.com/atriumworld/atrium/internal/transport/http"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	var pool *pgxpool.Pool
	if cfg.EventLogBackend == config.BackendPostgres || cfg.IdempotencyBackend == config.BackendPostgres {
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				log.Fatalf("schema bootstrap failed: %v", err)
			}
		}
	}

	var eventStore eventlog.Store
	switch cfg.EventLogBackend {
	case config.BackendPostgres:
		eventStore = eventlog.NewPostgresStore(pool, logger)
	case config.BackendFile:
		eventStore, err = eventlog.NewFileStore(cfg.EventLogDir)
		if err != nil {
			log.Fatalf("file store init failed: %v", err)
		}
	default:
		eventStore = eventlog.NewMemoryStore()
	}
	eventLog := eventlog.New(eventStore, logging.ForComponent(logger, "eventlog"))

	var idemStore idempotency.Store
	switch cfg.IdempotencyBackend {
	case config.BackendPostgres:
		idemStore = idempotency.NewPostgresStore(pool, logger)
	case config.BackendRedis:
		idemStore = idempotency.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), logger)
	default:
		idemStore = idempotency.NewMemoryStore()
	}
	guard := idempotency.NewGuard(idemStore, cfg.IdempotencyTTL, logging.ForComponent(logger, "idempotency"))

	var (
		targetStore  dispatch.TargetStore
		attemptStore dispatch.AttemptStore
		dlqStore     dispatch.DLQStore
	)
	if pool != nil {
		targetStore = dispatch.NewPostgresTargetStore(pool, logger)
		attemptStore = dispatch.NewPostgresAttemptStore(pool, logger)
		dlqStore = dispatch.NewPostgresDLQStore(pool, logger)
	} else {
		targetStore = dispatch.NewMemoryTargetStore()
		attemptStore = dispatch.NewMemoryAttemptStore()
		dlqStore = dispatch.NewMemoryDLQStore()
	}

	// The dispatcher matches targets inside the log's fan-out; the cache
	// keeps that match off target storage.
	targetCache := dispatch.NewTargetCache(targetStore, cfg.TargetRefreshInterval, logging.ForComponent(logger, "dispatch"))
	defer targetCache.Close()

	dispatcher := dispatch.New(dispatch.Deps{
		Targets:  targetCache,
		Attempts: attemptStore,
		DLQ:      dlqStore,
		Senders: map[domain.TargetKind]dispatch.Sender{
			domain.TargetWebhook:  dispatch.NewWebhookSender(nil),
			domain.TargetReaction: dispatch.NewReactionSender(eventLog, nil, nil),
		},
		Logger:      logging.ForComponent(logger, "dispatch"),
		Concurrency: cfg.DispatchConcurrency,
		QueueSize:   cfg.DispatchQueueSize,
	})
	detach := dispatcher.Attach(eventLog)

	engine := projection.NewEngine(eventLog, logging.ForComponent(logger, "projection"))

	streamRelay := relay.New(relay.Deps{
		Log:       eventLog,
		Logger:    logging.ForComponent(logger, "relay"),
		RingSize:  cfg.RelayRingSize,
		QueueSize: cfg.RelayQueueSize,
		KeepAlive: cfg.RelayKeepAlive,
	})

	routerDeps := httptransport.Deps{
		Log:        eventLog,
		Projection: engine,
		Relay:      streamRelay,
		Dispatcher: dispatcher,
		Targets:    targetCache,
		Attempts:   attemptStore,
		DLQ:        dlqStore,
		Guard:      guard,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Commit:     Commit,
		BuildDate:  BuildDate,
	}
	if pool != nil {
		routerDeps.Health = postgres.NewSchemaHealthChecker(pool)
	}
	handler := httptransport.NewRouter(routerDeps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"event_log_backend", cfg.EventLogBackend,
			"idempotency_backend", cfg.IdempotencyBackend,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	streamRelay.Close()
	detach()
	dispatcher.Stop()
}
