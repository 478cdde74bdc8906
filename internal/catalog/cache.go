package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const costVersionKey = "catalog:recipe_cost:version"

// Cache stores recipe costings in Redis under a version that is bumped on
// every inventory cost change.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, costVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SetNX keeps a concurrent Bump from being overwritten.
		if err := c.client.SetNX(ctx, costVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, costVersionKey).Int64()
	}
	return ver, err
}

func (c *Cache) recipeKey(ctx context.Context, recipeID int64) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("catalog:recipe_cost:%s:v%d", strconv.FormatInt(recipeID, 10), ver), nil
}

// FetchRecipeCost loads a cached costing or computes and stores it.
func (c *Cache) FetchRecipeCost(ctx context.Context, recipeID int64, loader func(context.Context) (RecipeCosting, error)) (RecipeCosting, error) {
	if !c.enabled() {
		return loader(ctx)
	}
	key, err := c.recipeKey(ctx, recipeID)
	if err != nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached RecipeCosting
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}
	value, err := loader(ctx)
	if err != nil {
		return RecipeCosting{}, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return RecipeCosting{}, err
	}
	// A failed write only costs a recompute next time.
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	return value, nil
}

// Bump invalidates every cached costing.
func (c *Cache) Bump(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Incr(ctx, costVersionKey).Err()
}
