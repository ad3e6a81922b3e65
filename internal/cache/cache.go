// Package cache is a read-through Redis cache for hot read paths (résumé
// detail, user match lists, report rows, queue stats). Handlers invalidate
// keys after a terminal write; staleness between writes is bounded by the
// TTL the reader sets.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client. The caller owns the client lifecycle.
type Cache struct {
	client redis.Cmdable
}

// New creates a Cache on client.
func New(client redis.Cmdable) *Cache {
	return &Cache{client: client}
}

// GetOrFill returns the cached value for key, or calls fill, stores the
// result with ttl, and returns it. A Redis fault degrades to calling fill
// directly; the cache never makes a read path less available.
func (c *Cache) GetOrFill(ctx context.Context, key string, ttl time.Duration, fill func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		slog.Debug("cache read failed, filling direct", "key", key, "error", err)
	}

	fresh, err := fill(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, []byte(fresh), ttl).Err(); err != nil {
		slog.Debug("cache write failed", "key", key, "error", err)
	}
	return fresh, nil
}

// Invalidate drops the keys. Missing keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// All keys are prefixed to avoid collisions with other users of the
// Redis database.
const keyPrefix = "admctl:"

// ResumeKey is the cache key for one résumé's detail view.
func ResumeKey(id uuid.UUID) string { return keyPrefix + "resume:" + id.String() }

// UserMatchesKey is the cache key for a user's match list.
func UserMatchesKey(userID uuid.UUID) string { return keyPrefix + "matches:" + userID.String() }

// ReportKey is the cache key for the latest report of a type.
func ReportKey(reportType string) string { return keyPrefix + "report:" + reportType }

// QueueStatsKey is the cache key for the queue-stats view.
const QueueStatsKey = keyPrefix + "queue-stats"
