package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a Store with a Redis read-through cache for payment
// lookups. Writes go straight to the inner store and invalidate the
// cached record; balance counters and flags are never cached.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore wraps inner with a Redis cache.
func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl}
}

func cacheKey(id uuid.UUID) string {
	return "payment:" + id.String()
}

func (c *CachedStore) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	cached, err := c.rdb.Get(ctx, cacheKey(id)).Result()
	if err == nil {
		var p Payment
		if json.Unmarshal([]byte(cached), &p) == nil {
			return &p, nil
		}
	}

	p, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(p); err == nil {
		// Best effort; a cache miss next time is the only consequence.
		c.rdb.Set(ctx, cacheKey(id), payload, c.ttl)
	}

	return p, nil
}

func (c *CachedStore) Save(ctx context.Context, p *Payment) error {
	if err := c.Store.Save(ctx, p); err != nil {
		return err
	}
	c.rdb.Del(ctx, cacheKey(p.ID))
	return nil
}

// WithinTx delegates to the inner store; Saves inside the transaction
// run against the inner view, so cached records touched by the
// transaction are invalidated after it commits.
func (c *CachedStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	var touched []uuid.UUID
	err := c.Store.WithinTx(ctx, func(inner Store) error {
		return fn(&txRecorder{Store: inner, touched: &touched})
	})
	if err != nil {
		return err
	}
	for _, id := range touched {
		c.rdb.Del(ctx, cacheKey(id))
	}
	return nil
}

type txRecorder struct {
	Store
	touched *[]uuid.UUID
}

func (t *txRecorder) Save(ctx context.Context, p *Payment) error {
	if err := t.Store.Save(ctx, p); err != nil {
		return err
	}
	*t.touched = append(*t.touched, p.ID)
	return nil
}
