package enrichment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mailtrail/internal/enrichment/brevo"
	"mailtrail/internal/logger"
	"mailtrail/pkg/metrics"
)

const (
	defaultCachePrefix = "mailtrail:bounce_reason:"
	defaultCacheTTL    = 24 * time.Hour
)

// CachedLookup keeps resolved bounce reasons in Redis so a reason that was
// fetched but never patched, or is needed by another worker, costs no
// provider request.
type CachedLookup struct {
	next   Lookup
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedLookup(next Lookup, client *redis.Client, ttl time.Duration, log logger.Logger) *CachedLookup {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedLookup{next: next, client: client, prefix: defaultCachePrefix, ttl: ttl, logger: log}
}

func (c *CachedLookup) key(q brevo.Query) string {
	bounceType := q.BounceType
	if bounceType == "" {
		bounceType = "any"
	}
	return c.prefix + bounceType + ":" + strings.Trim(q.MessageID, "<>")
}

// BounceReason serves from the cache when it can. Cache failures fall
// through to the wrapped lookup.
func (c *CachedLookup) BounceReason(ctx context.Context, q brevo.Query) (string, error) {
	key := c.key(q)

	reason, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		metrics.IncEnrichmentProviderRequest("cache", "hit")
		return reason, nil
	case errors.Is(err, redis.Nil):
		metrics.IncEnrichmentProviderRequest("cache", "miss")
	default:
		metrics.IncEnrichmentProviderRequest("cache", "error")
		c.logger.WarnwCtx(ctx, "Bounce reason cache read failed", "key", key, "error", err)
	}

	reason, err = c.next.BounceReason(ctx, q)
	if err != nil {
		return "", err
	}

	if err := c.client.Set(ctx, key, reason, c.ttl).Err(); err != nil {
		c.logger.WarnwCtx(ctx, "Bounce reason cache write failed", "key", key, "error", err)
	}
	return reason, nil
}
