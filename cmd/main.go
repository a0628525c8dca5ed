/**
 * @description
 * This is the main entry point for the flowsure-backend. It initializes all
 * components of the service: configuration, database connection and
 * migrations, the Flow gateway client, the RabbitMQ producer, the optional
 * Redis limiter, the orchestrator jobs, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log/slog, net/http: Standard Go libraries for logging and HTTP serving.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Optional .env loading for local development.
 * - internal/api, internal/app, internal/config, internal/database,
 *   internal/store: Internal packages for the service.
 * - pkg/flowclient, pkg/rabbitmq, pkg/recipientclient: External service clients.
 */

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Flow-Sure/flowsure-backend/internal/api"
	"github.com/Flow-Sure/flowsure-backend/internal/app"
	"github.com/Flow-Sure/flowsure-backend/internal/config"
	"github.com/Flow-Sure/flowsure-backend/internal/database"
	"github.com/Flow-Sure/flowsure-backend/internal/store"
	"github.com/Flow-Sure/flowsure-backend/pkg/flowclient"
	"github.com/Flow-Sure/flowsure-backend/pkg/rabbitmq"
	"github.com/Flow-Sure/flowsure-backend/pkg/recipientclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load an optional .env file for local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.SessionJWTSecret) == "" {
		logger.Error("session jwt secret must be configured", "env", "SESSION_JWT_SECRET")
		os.Exit(1)
	}

	logger.Info("starting flowsure-backend", "port", cfg.ServerPort)

	ctx := context.Background()

	// Establish database connection with connection pool configuration.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if err := database.MigrateUp(cfg.DatabaseURL, logger); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// Initialize the RabbitMQ producer to publish action status events. A
	// broker outage degrades to a no-op publisher rather than blocking boot.
	var events rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; events disabled", "error", err)
		events = &rabbitmq.NoopPublisher{}
	} else {
		defer producer.Close()
		events = producer
		logger.Info("rabbitmq producer connected")
	}

	// Initialize the Flow gateway and recipient-list clients.
	gateway := flowclient.NewClient(cfg.FlowGatewayURL, cfg.FlowGatewayAPIKey)

	var recipientLists app.RecipientListResolver
	if strings.TrimSpace(cfg.RecipientListServiceURL) == "" {
		logger.Warn("recipient-list service not configured; saved list resolution disabled")
	} else {
		recipientLists = recipientclient.NewClient(cfg.RecipientListServiceURL)
	}

	// Optional Redis for distributed submission pacing.
	var limiter app.SubmissionRateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; per-user submission pacing disabled", "env", "REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; per-user submission pacing disabled", "error", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed; per-user submission pacing disabled", "error", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisSubmissionRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				logger.Info("redis connected")
			}
		}
	}

	// Initialize the data access layer and the application services.
	repository := store.NewPostgresRepository(dbpool)
	authorizer := app.NewAuthorizer(repository, gateway, logger)

	lifecycle := app.NewLifecycle(repository, authorizer, gateway, gateway, events, logger, app.LifecycleConfig{
		BackoffBase:        time.Duration(cfg.RetryBackoffBaseSeconds) * time.Second,
		BackoffCap:         time.Duration(cfg.RetryBackoffCapSeconds) * time.Second,
		ClaimTTL:           time.Duration(cfg.AttemptClaimTTLSeconds) * time.Second,
		CompensationAmount: cfg.CompensationAmount,
		EventExchange:      cfg.ActionEventExchange,
	})

	service := app.NewService(repository, authorizer, recipientLists, gateway, logger, cfg.EstimateHorizonCapDays)

	// Start the orchestrator jobs.
	jobs := app.NewJobs(repository, lifecycle, limiter, logger, app.OrchestratorConfig{
		TransferBatchSize:     cfg.TransferBatchSize,
		AttemptBatchSize:      cfg.AttemptBatchSize,
		MaxConcurrentAttempts: cfg.MaxConcurrentAttempts,
		MaxInFlightPerUser:    cfg.MaxInFlightPerUser,
	})
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()
	logger.Info("orchestrator jobs started")

	// Set up the HTTP server.
	handlers := api.NewHandlers(service, authorizer, logger)
	router := api.NewRouter(handlers, cfg.SessionJWTSecret)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Let in-flight cron jobs finish before exiting.
	<-scheduler.Stop().Done()

	logger.Info("shutdown complete")
}
