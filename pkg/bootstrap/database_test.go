package bootstrap

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/config"
	"mailtrail/internal/logger"
)

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.PostgresConfig{
		Host: "db", Port: 5432, User: "mail", Password: "pw", DBName: "mailtrail",
	})
	assert.Equal(t, "postgres://mail:pw@db:5432/mailtrail?sslmode=disable", dsn)
}

func TestOptionalStoresAreSkipped(t *testing.T) {
	dc := NewDatabaseConnector(&config.Config{}, logger.NopLogger())
	ctx := context.Background()

	rdb, err := dc.InitRedis(ctx)
	require.NoError(t, err)
	assert.Nil(t, rdb)

	db, err := dc.InitPostgreSQL(ctx)
	require.NoError(t, err)
	assert.Nil(t, db)

	mc, err := dc.InitMongoDB(ctx)
	require.NoError(t, err)
	assert.Nil(t, mc)
	assert.Nil(t, dc.MongoDatabase(mc))

	assert.NoError(t, dc.MigratePostgreSQL(nil))
	assert.Empty(t, dc.ShutdownDatabases(ctx, nil, nil, nil))
}

func TestInitRedisRetriesUntilReachable(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Database.Redis = config.RedisConfig{Host: mr.Host(), Port: port}
	dc := NewDatabaseConnector(cfg, logger.NopLogger())

	rdb, err := dc.InitRedis(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rdb)
	assert.Empty(t, dc.ShutdownDatabases(context.Background(), rdb, nil, nil))
}

func TestInitRedisGivesUpAfterAttempts(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	cfg := &config.Config{}
	cfg.Database.Redis = config.RedisConfig{Host: "127.0.0.1", Port: port}
	cfg.Database.ConnectRetry = config.RetryConfig{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
	dc := NewDatabaseConnector(cfg, logger.NopLogger())

	rdb, err := dc.InitRedis(context.Background())
	require.Error(t, err)
	assert.Nil(t, rdb)
	assert.Contains(t, err.Error(), "failed to ping Redis")
}

func TestApplyPool(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	applyPool(db, config.PostgresConfig{MaxOpenConns: 7})
	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}
