package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/exchange-api/internal/book"
)

// Cache stores per-market depth snapshots in redis so depth reads do not
// have to walk the live books. A cache miss is not an error: callers fall
// back to a fresh snapshot.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(addr, password string, db int, ttl time.Duration) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

func key(market string) string { return "depth:" + market }

// SetDepth stores the snapshot under the market's key.
func (c *Cache) SetDepth(ctx context.Context, depth *book.Depth) error {
	b, err := json.Marshal(depth)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(depth.Market), b, c.ttl).Err()
}

// GetDepth returns the cached snapshot, or (nil, nil) on a miss.
func (c *Cache) GetDepth(ctx context.Context, market string) (*book.Depth, error) {
	b, err := c.client.Get(ctx, key(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var depth book.Depth
	if err := json.Unmarshal(b, &depth); err != nil {
		return nil, err
	}
	return &depth, nil
}

// Invalidate drops the cached snapshot for the market.
func (c *Cache) Invalidate(ctx context.Context, market string) error {
	return c.client.Del(ctx, key(market)).Err()
}

// Refresh takes a fresh snapshot from the book and stores it, logging
// instead of failing when redis is unavailable.
func (c *Cache) Refresh(ctx context.Context, b *book.Book) {
	if err := c.SetDepth(ctx, b.Snapshot()); err != nil {
		log.Warn().
			Err(err).
			Str("component", "depth_cache").
			Str("market", b.Market()).
			Msg("failed to refresh depth snapshot")
	}
}
