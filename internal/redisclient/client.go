// Package redisclient backs the reconciliation idempotency key set with
// Redis so duplicate suppression survives a process restart.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClient connects and verifies the Redis server.
func NewClient(addr, password string, db int, keyTTL time.Duration) (*Client, error) {
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

	if keyTTL <= 0 {
		keyTTL = 15 * time.Minute
	}
	return &Client{rdb: rdb, ttl: keyTTL}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkSeen implements recon.KeyStore: SETNX with expiry, so the first
// writer for a key wins and the key ages out on its own.
func (c *Client) MarkSeen(ctx context.Context, key string) (bool, error) {
	first, err := c.rdb.SetNX(ctx, "idempotency:"+key, "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx failed: %w", err)
	}
	return first, nil
}
