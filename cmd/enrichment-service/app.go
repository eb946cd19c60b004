package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/enrichment"
	"mailtrail/internal/enrichment/brevo"
	"mailtrail/internal/logger"
	"mailtrail/pkg/bootstrap"
	"mailtrail/pkg/health"
	"mailtrail/pkg/logging"
	"mailtrail/pkg/metrics"
	"mailtrail/pkg/tracing"
)

const serviceName = "enrichment-service"

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	postgresDB     *sql.DB
	worker         *enrichment.Worker
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, serviceName, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if a.Config.Enrichment.APIKey == "" {
		return fmt.Errorf("enrichment.api_key is required")
	}
	if a.Config.Ledger.Store == constants.StoreMemory {
		initCtx := logging.WithServiceName(ctx, serviceName)
		a.Logger.WarnwCtx(initCtx, "Ledger store is in-memory; this process will only see its own records")
	}

	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterLedgerMetrics()
	metrics.RegisterEnrichmentMetrics()
	metrics.RegisterDatabaseMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	postgresDB, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	a.postgresDB = postgresDB

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	a.redis = rdb

	stack, err := bootstrap.BuildLedger(a.Config, a.postgresDB, a.redis, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	var lookup enrichment.Lookup = brevo.NewClient(brevo.ConfigFrom(a.Config.Enrichment, a.Config.CircuitBreaker))
	if a.redis != nil {
		lookup = enrichment.NewCachedLookup(lookup, a.redis, a.Config.Enrichment.CacheTTL, a.Logger)
	}
	a.worker = enrichment.NewWorker(stack.Ledger, lookup, enrichment.OptionsFromConfig(a.Config.Enrichment), a.Logger)

	a.initHTTPServer()
	return nil
}

func (a *App) initHTTPServer() {
	if a.Config.Server.Port <= 0 {
		return
	}

	healthRegistry := health.NewCheckerRegistry()
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}
	if a.postgresDB != nil {
		healthRegistry.Register(health.NewPostgreSQLChecker(a.postgresDB))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/health", health.Handler(healthRegistry))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: router,
	}
}

// RunOnce processes a single batch, for cron-style scheduling.
func (a *App) RunOnce(ctx context.Context) error {
	summary, err := a.worker.RunOnce(ctx)
	a.Logger.InfowCtx(ctx, "Enrichment batch finished",
		"candidates", summary.Candidates,
		"enriched", summary.Enriched,
		"unresolved", summary.Unresolved,
		"requeued", summary.Requeued,
		"duration", summary.Duration,
	)
	return err
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.worker.Run(gCtx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down enrichment service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}
		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.postgresDB, nil)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
