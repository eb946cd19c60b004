package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/logger"
	"mailtrail/pkg/migrations"
	"mailtrail/pkg/retry"
)

// connectRetry fills unset fields of database.connect_retry.
var connectRetry = retry.Policy{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2.0,
}

// DatabaseConnector opens the optional stores of a service. A store whose
// address is not configured is skipped and reported as nil.
type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{Config: cfg, Logger: log}
}

// ping retries check until the store answers, so services started next to
// their databases do not exit on the first refused connection.
func (dc *DatabaseConnector) ping(ctx context.Context, store string, check func(context.Context) error) error {
	policy := retry.PolicyFrom(dc.Config.Database.ConnectRetry).WithDefaults(connectRetry)
	return retry.RetryWithCallback(ctx, policy, func() error {
		return check(ctx)
	}, func(attempt int, err error, next time.Duration) {
		dc.Logger.Warnw("Store not reachable yet",
			"store", store,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	cfg := dc.Config.Database.Redis
	if cfg.Host == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	err := dc.ping(ctx, constants.StoreRedis, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Infow("Redis connected", "addr", rdb.Options().Addr, "db", cfg.DB)
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	cfg := dc.Config.Database.Postgres
	if cfg.Host == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	applyPool(db, cfg)

	if err := dc.ping(ctx, constants.StorePostgres, db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.Logger.Infow("PostgreSQL connected",
		"host", cfg.Host,
		"dbname", cfg.DBName,
		"max_open_conns", cfg.MaxOpenConns,
	)
	return db, nil
}

func applyPool(db *sql.DB, cfg config.PostgresConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// MigratePostgreSQL applies the SQL migrations when run_migrations is set.
func (dc *DatabaseConnector) MigratePostgreSQL(db *sql.DB) error {
	if db == nil || !dc.Config.Database.RunMigrations {
		return nil
	}
	version, err := migrations.UpPostgres(db, dc.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	dc.Logger.Infow("PostgreSQL schema up to date", "version", version)
	return nil
}

// PostgresDSN renders the lib/pq URL for cfg; sslmode defaults to disable.
func PostgresDSN(cfg config.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, sslMode)
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	uri := dc.Config.Database.MongoDB.URI
	if uri == "" {
		return nil, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	err = dc.ping(ctx, "mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Infow("MongoDB connected", "database", dc.mongoDatabaseName())
	return client, nil
}

// MongoDatabase returns the configured database of client, or nil when
// MongoDB is not configured.
func (dc *DatabaseConnector) MongoDatabase(client *mongo.Client) *mongo.Database {
	if client == nil {
		return nil
	}
	return client.Database(dc.mongoDatabaseName())
}

func (dc *DatabaseConnector) mongoDatabaseName() string {
	if name := dc.Config.Database.MongoDB.Database; name != "" {
		return name
	}
	return constants.DefaultMongoDBName
}

// ShutdownDatabases closes whichever of the clients are non-nil.
func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, rdb *redis.Client, db *sql.DB, mc *mongo.Client) []error {
	var errs []error
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}
	if mc != nil {
		if err := mc.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}
	return errs
}
