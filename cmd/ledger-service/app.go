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

	"mailtrail/internal/api"
	"mailtrail/internal/broker"
	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/enrichment"
	"mailtrail/internal/enrichment/brevo"
	"mailtrail/internal/logger"
	"mailtrail/internal/webhook"
	"mailtrail/pkg/bootstrap"
	"mailtrail/pkg/health"
	"mailtrail/pkg/metrics"
	"mailtrail/pkg/middleware"
	"mailtrail/pkg/ratelimit"
	"mailtrail/pkg/tracing"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const serviceName = "ledger-service"

type App struct {
	config         *config.Config
	logger         logger.Logger
	base           *bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	stack          *bootstrap.LedgerStack
	worker         *enrichment.Worker
	sink           webhook.Sink
	server         *http.Server
	router         *gin.Engine
	health         *health.CheckerRegistry
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		base:        bootstrap.NewBase(cfg, serviceName, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterLedgerMetrics()
	metrics.RegisterEnrichmentMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterHTTPMetrics()
	metrics.RegisterDatabaseMetrics()

	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	stack, err := bootstrap.BuildLedger(a.config, a.db, a.redisClient, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	a.stack = stack

	if err := a.initBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	a.initEnrichment()

	if err := a.initRouter(ctx); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds,
	}
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db
	if db != nil {
		if err := a.dbConnector.MigratePostgreSQL(db); err != nil {
			return err
		}
		a.health.Register(health.NewPostgreSQLChecker(db))
	}

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redisClient = rdb
	if rdb != nil {
		a.health.Register(health.NewRedisChecker(rdb))
	}
	return nil
}

// initBroker picks the webhook sink. In broker mode the webhook only
// publishes and this process's consumer feeds the ledger; in direct mode the
// consumer still runs when a broker is configured so other producers can
// publish to the events topic.
func (a *App) initBroker() error {
	a.sink = webhook.NewLedgerSink(a.stack.Ledger)
	if !a.base.BrokerEnabled() {
		if a.config.Webhook.Mode == constants.WebhookModeBroker {
			return fmt.Errorf("webhook mode %q requires a broker", constants.WebhookModeBroker)
		}
		return nil
	}

	if err := a.base.InitBroker(); err != nil {
		return err
	}
	a.health.RegisterOptional(health.NewKafkaChecker(a.config.Broker.Kafka.Brokers))

	if a.config.Webhook.Mode == constants.WebhookModeBroker {
		a.sink = webhook.NewBrokerSink(broker.NewSubmissionPublisher(a.base.Producer, a.eventsTopic()))
	}
	return nil
}

func (a *App) eventsTopic() string {
	if a.config.Broker.Kafka.EventsTopic != "" {
		return a.config.Broker.Kafka.EventsTopic
	}
	return constants.DefaultEventsTopic
}

func (a *App) initEnrichment() {
	if a.config.Enrichment.APIKey == "" {
		a.logger.Infow("Enrichment disabled, no Brevo API key configured")
		return
	}
	var lookup enrichment.Lookup = brevo.NewClient(brevo.ConfigFrom(a.config.Enrichment, a.config.CircuitBreaker))
	if a.redisClient != nil {
		lookup = enrichment.NewCachedLookup(lookup, a.redisClient, a.config.Enrichment.CacheTTL, a.logger)
	}
	a.worker = enrichment.NewWorker(a.stack.Ledger, lookup, enrichment.OptionsFromConfig(a.config.Enrichment), a.logger)
}

func (a *App) initRouter(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.RateLimit.Enabled {
		rateLimitConfig := ratelimit.ConfigFrom(a.config.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig))
		a.logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	webhookOpts, err := webhook.OptionsFromConfig(a.config.Webhook, a.stack.Location)
	if err != nil {
		return err
	}
	webhook.NewHandler(a.sink, webhookOpts, a.logger).RegisterRoutes(router)

	var enq api.Enqueuer
	if a.worker != nil {
		enq = a.worker
	}
	api.NewHandler(a.stack.Ledger, a.stack.Maintainer, enq, a.logger).RegisterRoutes(router)

	a.health.Register(health.NewCheckerFunc("ledger", func(ctx context.Context) error {
		if buffered := a.stack.Ledger.BufferedOrphans(); buffered >= a.config.Ledger.OrphanCapacity && a.config.Ledger.OrphanCapacity > 0 {
			return fmt.Errorf("orphan buffer full (%d events)", buffered)
		}
		return nil
	}))

	router.GET("/health", health.Handler(a.health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

// Run serves HTTP and runs the background loops until ctx is done or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(gctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return ignoreCanceled(a.stack.Ledger.RunSweeper(gctx, a.config.Ledger.SweepInterval))
	})

	g.Go(func() error {
		return ignoreCanceled(a.stack.Maintainer.Run(gctx, a.config.Aggregate.ReconcileInterval))
	})

	if a.base.Consumer != nil {
		handler := broker.SubmissionHandler(a.stack.Ledger, a.logger)
		g.Go(func() error {
			return ignoreCanceled(a.base.Consumer.Consume(gctx, a.eventsTopic(), handler))
		})
	}

	if a.worker != nil {
		g.Go(func() error {
			return ignoreCanceled(a.worker.Run(gctx))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.stack != nil {
		if n := a.stack.Ledger.BufferedOrphans(); n > 0 {
			a.logger.WarnwCtx(ctx, "Buffered orphan events discarded at shutdown", "count", n)
		}
	}

	errs = append(errs, a.base.ShutdownBroker()...)

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(shutdownCtx, a.redisClient, a.db, nil)...)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
