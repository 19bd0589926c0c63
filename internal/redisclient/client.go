package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/lower_stock.lua
var lowerStockScript string

// Client mirrors product and variant stock figures for read-heavy storefront
// pages. Postgres stays the system of record.
type Client struct {
	rdb         *redis.Client
	lowerScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return NewWithRedis(rdb), nil
}

// NewWithRedis wraps an existing connection
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:         rdb,
		lowerScript: redis.NewScript(lowerStockScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func productKey(productID string) string {
	return fmt.Sprintf("stock:product:%s", productID)
}

func variantKey(variantID string) string {
	return fmt.Sprintf("stock:variant:%s", variantID)
}

// LowerProductStock records a post-decrement figure for a product.
// Returns false when the mirror already holds a lower value. The mirror only
// ever moves down between syncs: restocks done directly in the database show
// up after the next SyncStockMirror (run at server start).
func (c *Client) LowerProductStock(ctx context.Context, productID string, stock int) (bool, error) {
	return c.lower(ctx, productKey(productID), stock)
}

// LowerVariantStock is LowerProductStock for variants
func (c *Client) LowerVariantStock(ctx context.Context, variantID string, stock int) (bool, error) {
	return c.lower(ctx, variantKey(variantID), stock)
}

func (c *Client) lower(ctx context.Context, key string, stock int) (bool, error) {
	result, err := c.lowerScript.Run(ctx, c.rdb, []string{key}, stock).Result()
	if err != nil {
		return false, fmt.Errorf("lower stock script failed: %w", err)
	}

	changed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}

	return changed == 1, nil
}

// SetProductStock overwrites the mirrored figure (used by full syncs)
func (c *Client) SetProductStock(ctx context.Context, productID string, stock int) error {
	return c.rdb.Set(ctx, productKey(productID), stock, 0).Err()
}

// SetVariantStock overwrites the mirrored figure (used by full syncs)
func (c *Client) SetVariantStock(ctx context.Context, variantID string, stock int) error {
	return c.rdb.Set(ctx, variantKey(variantID), stock, 0).Err()
}
