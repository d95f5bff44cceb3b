package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/hold_slots.lua
var holdSlotsScript string

const (
	slotsKey     = "sale:slots"
	unitPriceKey = "sale:unit_price"
)

// Client is the availability read model plus the advisory slot gate. The
// counters here are never authoritative; the database reconciliation step
// is what actually prevents overselling.
type Client struct {
	rdb        *redis.Client
	holdScript *redis.Script
}

// NewClient creates a new Redis client with the hold script loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:        rdb,
		holdScript: redis.NewScript(holdSlotsScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SyncAvailability refreshes the cached availability view from a reconciled
// database read.
func (c *Client) SyncAvailability(ctx context.Context, unitPrice int64, available int) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, slotsKey, available, 0)
	pipe.Set(ctx, unitPriceKey, unitPrice, 0)

	_, err := pipe.Exec(ctx)
	return err
}

// GetAvailability returns the cached availability view. A cache miss is an
// error; callers fall back to the database.
func (c *Client) GetAvailability(ctx context.Context) (unitPrice int64, available int, err error) {
	vals, err := c.rdb.MGet(ctx, unitPriceKey, slotsKey).Result()
	if err != nil {
		return 0, 0, err
	}
	if vals[0] == nil || vals[1] == nil {
		return 0, 0, fmt.Errorf("availability not cached")
	}

	unitPrice, err = strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad cached unit price: %w", err)
	}
	available, err = strconv.Atoi(vals[1].(string))
	if err != nil {
		return 0, 0, fmt.Errorf("bad cached slot count: %w", err)
	}
	return unitPrice, available, nil
}

// HoldSlots atomically decrements the advisory slot counter. It cuts down
// on doomed submissions during rushes; a false return is advisory, not a
// reservation.
// Returns (false, nil) when slots are insufficient and an error when the
// counter is unset or Redis is unreachable.
func (c *Client) HoldSlots(ctx context.Context, quantity int) (bool, error) {
	result, err := c.holdScript.Run(ctx, c.rdb, []string{slotsKey}, quantity).Int()
	if err != nil {
		return false, fmt.Errorf("hold slots script failed: %w", err)
	}

	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("slot counter not initialized")
	}
}

// ReleaseSlots returns held slots after a non-confirmed terminal outcome.
func (c *Client) ReleaseSlots(ctx context.Context, quantity int) error {
	return c.rdb.IncrBy(ctx, slotsKey, int64(quantity)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
