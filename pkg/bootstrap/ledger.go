package bootstrap

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailtrail/internal/aggregate"
	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
)

// LedgerStack is the ledger with the stores it was built on.
type LedgerStack struct {
	Ledger     *ledger.Ledger
	Repository ledger.Repository
	Store      aggregate.Store
	Maintainer *aggregate.Maintainer
	Location   *time.Location
}

// BuildLedger selects the record repository, counter store and locker named
// by cfg. db and rdb may be nil when the configuration does not need them.
func BuildLedger(cfg *config.Config, db *sql.DB, rdb *redis.Client, log logger.Logger) (*LedgerStack, error) {
	loc, err := time.LoadLocation(cfg.Ledger.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger timezone %q: %w", cfg.Ledger.Timezone, err)
	}

	var repo ledger.Repository
	switch cfg.Ledger.Store {
	case "", constants.StoreMemory:
		repo = ledger.NewMemoryRepository()
	case constants.StorePostgres:
		if db == nil {
			return nil, fmt.Errorf("ledger store %q requires database.postgres", cfg.Ledger.Store)
		}
		repo = ledger.NewPostgresRepository(db)
	default:
		return nil, fmt.Errorf("unknown ledger store: %s", cfg.Ledger.Store)
	}

	var store aggregate.Store
	switch cfg.Aggregate.Store {
	case "", constants.StoreMemory:
		store = aggregate.NewMemoryStore()
	case constants.StorePostgres:
		if db == nil {
			return nil, fmt.Errorf("aggregate store %q requires database.postgres", cfg.Aggregate.Store)
		}
		store = aggregate.NewPostgresStore(db)
	case constants.StoreRedis:
		if rdb == nil {
			return nil, fmt.Errorf("aggregate store %q requires database.redis", cfg.Aggregate.Store)
		}
		store = aggregate.NewRedisStore(rdb, cfg.Aggregate.RedisKeyPrefix)
	default:
		return nil, fmt.Errorf("unknown aggregate store: %s", cfg.Aggregate.Store)
	}

	var locker ledger.Locker
	switch cfg.Ledger.Locker {
	case "", constants.LockerLocal:
		locker = ledger.NewLocalLocker(cfg.Ledger.LockShards)
	case constants.LockerRedis:
		if rdb == nil {
			return nil, fmt.Errorf("ledger locker %q requires database.redis", cfg.Ledger.Locker)
		}
		locker = ledger.NewRedisLocker(rdb, cfg.Ledger.LockTTL, log)
	default:
		return nil, fmt.Errorf("unknown ledger locker: %s", cfg.Ledger.Locker)
	}

	maintainer := aggregate.NewMaintainer(store, repo, log).WithReconcileTimeout(cfg.Aggregate.ReconcileTimeout)
	l := ledger.New(repo, maintainer, locker, ledger.OptionsFromConfig(cfg.Ledger), log)

	log.Infow("Ledger initialized",
		"store", cfg.Ledger.Store,
		"aggregate_store", store.Name(),
		"locker", cfg.Ledger.Locker,
		"orphan_policy", cfg.Ledger.OrphanPolicy,
	)

	return &LedgerStack{
		Ledger:     l,
		Repository: repo,
		Store:      store,
		Maintainer: maintainer,
		Location:   loc,
	}, nil
}
