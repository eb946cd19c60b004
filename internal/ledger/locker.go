package ledger

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"mailtrail/internal/constants"
	"mailtrail/internal/logger"
	"mailtrail/pkg/distlock"
	pkgerrors "mailtrail/pkg/errors"
)

// Locker serializes all mutation of one email. Lock blocks until the lock is
// held or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process lock striped over a fixed number of shards.
// Unrelated keys may share a shard; a caller never holds two keys at once.
type LocalLocker struct {
	shards []chan struct{}
}

func NewLocalLocker(shards int) *LocalLocker {
	if shards <= 0 {
		shards = constants.DefaultLockShards
	}
	l := &LocalLocker{shards: make([]chan struct{}, shards)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	h := fnv.New32a()
	h.Write([]byte(key))
	shard := l.shards[h.Sum32()%uint32(len(l.shards))]

	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, lockTimeout(key, ctx.Err())
	}
}

// RedisLocker takes a SET NX lock per email so several service replicas can
// share one ledger store.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = constants.DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, logger: log}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock := distlock.NewRedisLock(l.client, constants.CacheKeyPrefixLock+key, l.ttl)
	if err := lock.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, lockTimeout(key, err)
		}
		return nil, pkgerrors.ErrServiceUnavailable.WithCause(err).AsRetryable()
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			l.logger.Warnw("Failed to release email lock",
				"key", lock.Key(),
				"error", err,
			)
		}
	}, nil
}

func lockTimeout(key string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	return pkgerrors.ErrTimeout.WithCause(cause).WithDetail("key", key).AsRetryable()
}
