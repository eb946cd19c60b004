package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"mailtrail/internal/constants"
	"mailtrail/internal/status"
)

// RedisStore keeps each group as a hash of counters. A delta is applied as
// HINCRBYs inside one MULTI/EXEC, which redis executes without interleaving.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = constants.CacheKeyPrefixGroup
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Name() string {
	return constants.StoreRedis
}

func (s *RedisStore) key(groupKey string) string {
	return s.prefix + groupKey
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStore) ApplyDelta(ctx context.Context, groupKey string, delta status.Counters) error {
	key := s.key(groupKey)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, v := range delta.Fields() {
			if v != 0 {
				pipe.HIncrBy(ctx, key, field, v)
			}
		}
		pipe.SAdd(ctx, s.indexKey(), groupKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis apply delta failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Replace(ctx context.Context, groupKey string, counters status.Counters) error {
	key := s.key(groupKey)
	values := make(map[string]interface{}, 6)
	for field, v := range counters.Fields() {
		values[field] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values)
		pipe.SAdd(ctx, s.indexKey(), groupKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, groupKey string) (status.Counters, bool, error) {
	raw, err := s.client.HGetAll(ctx, s.key(groupKey)).Result()
	if err != nil {
		return status.Counters{}, false, fmt.Errorf("redis HGETALL failed: %w", err)
	}
	if len(raw) == 0 {
		return status.Counters{}, false, nil
	}

	fields := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return status.Counters{}, false, fmt.Errorf("corrupt counter %s for group %q: %w", field, groupKey, err)
		}
		fields[field] = n
	}
	return status.CountersFromFields(fields), true, nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
