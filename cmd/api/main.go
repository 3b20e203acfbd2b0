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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	_ "github.com/bizmatters/clinical-assistant/intake-orchestrator/docs" // swagger docs
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/auth"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/cache"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/config"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/gateway"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/inference"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/memory"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/metrics"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/orchestration"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/users"
)

// @title Clinical Intake Orchestrator API
// @version 1.0
// @description Patient intake pipeline producing SOAP reports from free-text intake notes.
// @description
// @description Intake runs extraction, history lookup, summarisation, knowledge retrieval and
// @description report composition, then stores the case in vector memory for later search.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

const cacheCleanupInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited with error", "error", err)
	}
	log.Info("server exited")
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := initTracer()
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	pool, err := connectDatabase(ctx, log, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	userStore := users.NewStore(pool)
	if err := userStore.EnsureSchema(ctx); err != nil {
		return err
	}

	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	inferenceClient, err := inference.New(log, cfg.Inference)
	if err != nil {
		return fmt.Errorf("failed to initialize inference client: %w", err)
	}

	store, err := memory.NewQdrantStore(log, cfg.Memory, inferenceClient)
	if err != nil {
		return fmt.Errorf("failed to initialize case memory: %w", err)
	}
	if err := store.EnsureCollection(ctx); err != nil {
		// Qdrant may still be starting; readiness reports it until it is up.
		log.Warn("failed to ensure qdrant collection", "error", err)
	}

	var invalidator cache.Invalidator
	if cfg.Redis.Addr != "" {
		redisInvalidator, err := cache.NewRedisInvalidator(log, cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			log.Warn("redis unavailable, cache invalidation stays local", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer redisInvalidator.Close()
			invalidator = redisInvalidator
		}
	}
	caseMemory, err := memory.NewCached(log, store, memory.CacheConfigFrom(cfg.Cache), invalidator)
	if err != nil {
		return fmt.Errorf("failed to initialize memory cache: %w", err)
	}

	aggregator := metrics.NewAggregator()
	sink := metrics.Sink(aggregator)
	if otelMetrics, err := metrics.NewPipelineMetrics(); err != nil {
		log.Warn("failed to create pipeline instruments", "error", err)
	} else {
		sink = metrics.Fanout(aggregator, otelMetrics)
	}

	policy := retryPolicy(cfg.Retry)
	pipeline, err := orchestration.New(log, inferenceClient, caseMemory, sink, orchestration.Config{
		HistoryLimit:     cfg.Memory.HistoryLimit,
		SimilarLimit:     cfg.Memory.SimilarLimit,
		SimilarThreshold: cfg.Memory.SimilarThreshold,
		Retry:            policy,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	queryService, err := orchestration.NewQueryService(log, caseMemory, inferenceClient,
		cfg.Memory.QueryLimit, cfg.Memory.QueryThreshold, policy)
	if err != nil {
		return fmt.Errorf("failed to initialize query service: %w", err)
	}

	handler, err := gateway.NewHandler(gateway.Deps{
		Log:        log,
		JWT:        jwtManager,
		Users:      userStore,
		Pipeline:   pipeline,
		Memory:     caseMemory,
		Query:      queryService,
		Metrics:    aggregator,
		CacheStats: caseMemory.CacheStats,
		Checks: []gateway.Check{
			{Name: "database", Probe: userStore.Ping},
			{Name: "qdrant", Probe: store.IsReady},
			{Name: "inference", Probe: func(ctx context.Context) error {
				if !inferenceClient.IsHealthy(ctx) {
					return errors.New("inference service unhealthy")
				}
				return nil
			}},
		},
		HistoryLimit:  cfg.Memory.HistoryLimit,
		SummaryVisits: cfg.Memory.SummaryVisitsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handler.RequestLogger())
	handler.Register(router)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting intake orchestrator", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := caseMemory.StartInvalidationForwarder(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("cache invalidation forwarder stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cacheCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := caseMemory.CleanupExpired(); n > 0 {
					log.Debug("expired cache entries removed", "count", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// connectDatabase opens the pool, retrying while PostgreSQL starts.
func connectDatabase(ctx context.Context, log *logger.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	log.Info("connecting to PostgreSQL")
	if cfg.ConnectRetries < 1 {
		cfg.ConnectRetries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Info("connected to PostgreSQL")
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		log.Warn("waiting for database", "attempt", attempt, "max_attempts", cfg.ConnectRetries, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ConnectDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", cfg.ConnectRetries, lastErr)
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.API()
	p.MaxRetries = cfg.MaxRetries
	if cfg.InitialDelay > 0 {
		p.InitialDelay = cfg.InitialDelay
	}
	if cfg.ExponentialBase > 0 {
		p.ExponentialBase = cfg.ExponentialBase
	}
	p.Jitter = cfg.Jitter
	return p
}

func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
