package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailtrail/internal/aggregate"
	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
)

const (
	containerStartupTimeout = 60
	testGroup               = "Order shipped|2024-03-01"
)

var sentAt = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

type ledgerEnv struct {
	ledger     *ledger.Ledger
	repo       ledger.Repository
	store      aggregate.Store
	maintainer *aggregate.Maintainer
}

func newPostgresLedger(t *testing.T, db *sql.DB, store aggregate.Store, locker ledger.Locker) *ledgerEnv {
	t.Helper()
	truncate(t, db)

	repo := ledger.NewPostgresRepository(db)
	if store == nil {
		store = aggregate.NewPostgresStore(db)
	}
	if locker == nil {
		locker = ledger.NewLocalLocker(32)
	}
	maintainer := aggregate.NewMaintainer(store, repo, createTestLogger())
	return &ledgerEnv{
		ledger:     ledger.New(repo, maintainer, locker, ledger.Options{}, createTestLogger()),
		repo:       repo,
		store:      store,
		maintainer: maintainer,
	}
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE emails, email_events, message_groups`)
	require.NoError(t, err)
}

func (e *ledgerEnv) ingest(t *testing.T, id string, typ events.Type, offset time.Duration, extra map[string]interface{}) ledger.IngestResult {
	t.Helper()
	res, err := e.ledger.IngestEvent(context.Background(), id, id+"@example.com", testGroup, events.New(typ, sentAt.Add(offset), extra))
	require.NoError(t, err)
	return res
}
