package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

// Cache keeps terminal outcomes in Redis so redeliveries of long-finished
// files skip the database round trip. Best effort only: the Postgres row is
// the source of truth.
type Cache struct {
	Redis     redis.UniversalClient
	Namespace string
	TTL       time.Duration
}

func NewCache(namespace string, redisCl redis.UniversalClient) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     redisCl,
		TTL:       24 * time.Hour,
	}
}

func (c *Cache) key(fileUniqueID string) string {
	return c.Namespace + ":" + fileUniqueID
}

func (c *Cache) Get(ctx context.Context, fileUniqueID string) (entities.Status, bool) {
	val, err := c.Redis.Get(ctx, c.key(fileUniqueID)).Result()
	if err != nil {
		return "", false
	}
	st := entities.Status(val)
	if st != entities.StatusSucceeded && st != entities.StatusFailed {
		return "", false
	}
	return st, true
}

func (c *Cache) Store(ctx context.Context, fileUniqueID string, status entities.Status) {
	_ = c.Redis.Set(ctx, c.key(fileUniqueID), string(status), c.TTL).Err()
}

func (c *Cache) Remove(ctx context.Context, fileUniqueID string) {
	_ = c.Redis.Del(ctx, c.key(fileUniqueID)).Err()
}
