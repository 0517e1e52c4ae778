package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// StatusCache is a cache-aside store for the per-order status document.
type StatusCache struct {
	RDB *redis.Client
	TTL time.Duration
}

func (c *StatusCache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return TTLStatusCache
}

// Get reports ok=false on a miss; other errors are returned so callers can log them.
func (c *StatusCache) Get(ctx context.Context, orderID int64) ([]byte, bool, error) {
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *StatusCache) Set(ctx context.Context, orderID int64, doc []byte) error {
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), doc, c.ttl()).Err()
}

// Fill writes doc only when no entry exists, so a stale read never replaces a
// fresher write. It reports whether doc was stored.
func (c *StatusCache) Fill(ctx context.Context, orderID int64, doc []byte) (bool, error) {
	return c.RDB.SetNX(ctx, fmt.Sprintf(KeyOrderStatus, orderID), doc, c.ttl()).Result()
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID int64) error {
	return c.RDB.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

// Dedup marks event ids as processed for one consumer service.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

// FirstSeen atomically claims eventID; false means another delivery already did.
func (d *Dedup) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, eventID), "1", TTLDedup).Result()
}

// Forget releases a claim so a failed event can be retried.
func (d *Dedup) Forget(ctx context.Context, eventID string) error {
	return d.RDB.Del(ctx, fmt.Sprintf(KeyDedup, d.Service, eventID)).Err()
}
