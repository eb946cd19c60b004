package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/history"
	"mailtrail/internal/logger"
	"mailtrail/pkg/bootstrap"
	"mailtrail/pkg/migrations"
	"mailtrail/pkg/tracing"
)

const serviceName = "history-import"

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	mongoClient    *mongo.Client
	archive        *history.MongoArchive
	reader         *history.CSVReader
	reconstructor  *history.Reconstructor
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if a.db, err = a.dbConnector.InitPostgreSQL(ctx); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	if err := a.dbConnector.MigratePostgreSQL(a.db); err != nil {
		return err
	}
	if a.redisClient, err = a.dbConnector.InitRedis(ctx); err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	if err := a.initArchive(ctx); err != nil {
		return err
	}

	if a.config.Ledger.Store == constants.StoreMemory {
		a.logger.Warnw("Ledger store is in-memory; imported records are discarded on exit")
	}
	stack, err := bootstrap.BuildLedger(a.config, a.db, a.redisClient, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	loc, err := time.LoadLocation(a.config.History.Timezone)
	if err != nil {
		return fmt.Errorf("invalid history timezone %q: %w", a.config.History.Timezone, err)
	}
	delimiter, _ := utf8.DecodeRuneInString(a.config.History.Delimiter)
	if delimiter == utf8.RuneError {
		delimiter = 0
	}
	a.reader = history.NewCSVReader(history.ReaderOptions{
		Location:  loc,
		Layout:    a.config.History.TimestampLayout,
		Delimiter: delimiter,
	})

	opts := history.Options{
		Concurrency:   a.config.History.Concurrency,
		Location:      stack.Location,
		MaxDiscardLog: a.config.History.MaxDiscardLog,
	}
	if a.archive != nil {
		opts.Archive = a.archive
	}
	a.reconstructor = history.NewReconstructor(stack.Ledger, opts, a.logger)
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	if !a.config.History.ArchiveReports {
		return nil
	}
	client, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize MongoDB: %w", err)
	}
	if client == nil {
		return fmt.Errorf("history.archive_reports requires database.mongodb.uri")
	}
	a.mongoClient = client

	db := a.dbConnector.MongoDatabase(client)
	if err := migrations.EnsureImportReportIndexes(ctx, db, constants.ImportReportsCollection, a.config.History.ReportRetention); err != nil {
		return err
	}
	a.archive = history.NewMongoArchive(db)
	return nil
}

// ImportFile imports one export file and returns its report.
func (a *App) ImportFile(ctx context.Context, path string) (*history.ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer f.Close()

	a.logger.InfowCtx(ctx, "Importing log export", "file", path)
	return a.reconstructor.ImportCSV(ctx, a.reader, f)
}

func (a *App) RecentReports(ctx context.Context, limit int64) ([]history.ImportReport, error) {
	if a.archive == nil {
		return nil, fmt.Errorf("report archive is not enabled")
	}
	return a.archive.Recent(ctx, limit)
}

func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}
	errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, a.mongoClient)...)
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
