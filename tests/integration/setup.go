package integration

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	postgresmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailtrail/pkg/migrations"
)

// TestInfra holds clients for the containers a test asked for. Fields for
// stores that were not requested stay nil.
type TestInfra struct {
	PostgresDB   *sql.DB
	MongoDB      *mongo.Database
	RedisClient  *redisclient.Client
	KafkaBrokers []string
}

type InfraOption func(*TestInfra, *testing.T, context.Context)

func WithPostgres() InfraOption { return startPostgres }
func WithMongo() InfraOption    { return startMongo }
func WithRedis() InfraOption    { return startRedis }
func WithKafka() InfraOption    { return startKafka }

// SetupInfra starts the requested containers and registers their teardown
// on t. It skips under -short since every container needs docker.
func SetupInfra(t *testing.T, opts ...InfraOption) *TestInfra {
	t.Helper()
	if testing.Short() {
		t.Skip("integration tests need docker")
	}
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	ctx := context.Background()
	infra := &TestInfra{}
	for _, opt := range opts {
		opt(infra, t, ctx)
	}
	return infra
}

func startPostgres(infra *TestInfra, t *testing.T, ctx context.Context) {
	ctr, err := postgresmodule.Run(ctx, "postgres:15",
		postgresmodule.WithDatabase("mailtrail_test"),
		postgresmodule.WithUsername("mailtrail"),
		postgresmodule.WithPassword("mailtrail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(containerStartupTimeout*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgres")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(pingCtx), "ping postgres")

	_, err = migrations.UpPostgres(db, migrationsDir(t))
	require.NoError(t, err, "migrate postgres")

	infra.PostgresDB = db
}

func startMongo(infra *TestInfra, t *testing.T, ctx context.Context) {
	ctr, err := mongodb.Run(ctx, "mongo:6")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start mongo")

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	infra.MongoDB = client.Database("mailtrail_test")
}

func startRedis(infra *TestInfra, t *testing.T, ctx context.Context) {
	ctr, err := redismodule.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start redis")

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := redisclient.ParseURL(uri)
	require.NoError(t, err)

	client := redisclient.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(pingCtx).Err(), "ping redis")

	infra.RedisClient = client
}

func startKafka(infra *TestInfra, t *testing.T, ctx context.Context) {
	ctr, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkamodule.WithClusterID("mailtrail-test"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	infra.KafkaBrokers = brokers
}

// migrationsDir resolves the repository's SQL migrations from the package
// directory go test runs in.
func migrationsDir(t *testing.T) string {
	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Join(wd, "..", "..", migrations.DefaultPostgresPath)
}
