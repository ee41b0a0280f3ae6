package acpwebhook

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyCache is a best-effort hot cache in front of the
// inbound_idempotency table. The table stays authoritative; a cache
// miss only costs one extra insert attempt, a cache failure is ignored.
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewIdempotencyCache connects to Redis. When addr is empty or the ping
// fails the cache is disabled and every call becomes a no-op.
func NewIdempotencyCache(addr string, ttl time.Duration) *IdempotencyCache {
	c := &IdempotencyCache{
		ttl:    ttl,
		logger: log.New(log.Writer(), "[ACP-CACHE] ", log.LstdFlags),
	}
	if addr == "" {
		return c
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Printf("Redis unavailable at %s, idempotency cache disabled: %v", addr, err)
		return c
	}
	c.client = client
	c.logger.Printf("Idempotency cache connected to %s", addr)
	return c
}

func (c *IdempotencyCache) key(tenantID, eventID string) string {
	return "acp:idem:" + tenantID + ":" + eventID
}

// Seen reports whether the event was already recorded. False on any
// cache error; the store insert is the real check.
func (c *IdempotencyCache) Seen(ctx context.Context, tenantID, eventID string) bool {
	if c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, c.key(tenantID, eventID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Mark records the event after the store transaction committed.
func (c *IdempotencyCache) Mark(ctx context.Context, tenantID, eventID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, c.key(tenantID, eventID), 1, c.ttl).Err(); err != nil {
		c.logger.Printf("Cache mark failed for %s/%s: %v", tenantID, eventID, err)
	}
}
