package persistence

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
)

// ContextEntityCache is the in-process cache tier. Its TTL is short: it only
// has to bridge the repeated lookups a single request burst produces, the
// shared Redis tier handles everything longer lived.
type ContextEntityCache struct {
	cache *gocache.Cache
}

var _ repository.EntityCache = (*ContextEntityCache)(nil)

func NewContextEntityCache(ttl time.Duration) *ContextEntityCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ContextEntityCache{
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *ContextEntityCache) Get(ctx context.Context, key model.Key) (*model.Entity, bool) {
	value, ok := c.cache.Get(key.Encode())
	if !ok {
		return nil, false
	}
	e, ok := value.(*model.Entity)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (c *ContextEntityCache) Set(ctx context.Context, entities ...*model.Entity) {
	for _, e := range entities {
		c.cache.SetDefault(e.Key.Encode(), e.Clone())
	}
}

func (c *ContextEntityCache) GetRef(ctx context.Context, identifier model.Key) (model.Key, bool) {
	value, ok := c.cache.Get(refKeyPrefix + identifier.Encode())
	if !ok {
		return model.Key{}, false
	}
	owner, ok := value.(model.Key)
	if !ok {
		return model.Key{}, false
	}
	return owner, true
}

func (c *ContextEntityCache) SetRef(ctx context.Context, identifier, owner model.Key) {
	c.cache.SetDefault(refKeyPrefix+identifier.Encode(), owner)
}

func (c *ContextEntityCache) Invalidate(ctx context.Context, keys ...model.Key) {
	for _, key := range keys {
		c.cache.Delete(key.Encode())
		c.cache.Delete(refKeyPrefix + key.Encode())
	}
}

// Flush drops everything in the tier.
func (c *ContextEntityCache) Flush() {
	c.cache.Flush()
}

// TieredCache chains cache tiers: reads stop at the first hit and backfill
// the tiers above it, writes and invalidations touch every tier.
type TieredCache struct {
	tiers []repository.EntityCache
}

var _ repository.EntityCache = (*TieredCache)(nil)

func NewTieredCache(tiers ...repository.EntityCache) *TieredCache {
	kept := make([]repository.EntityCache, 0, len(tiers))
	for _, tier := range tiers {
		if tier != nil {
			kept = append(kept, tier)
		}
	}
	return &TieredCache{tiers: kept}
}

// Empty reports whether no tiers are configured.
func (c *TieredCache) Empty() bool {
	return len(c.tiers) == 0
}

func (c *TieredCache) Get(ctx context.Context, key model.Key) (*model.Entity, bool) {
	for i, tier := range c.tiers {
		if e, ok := tier.Get(ctx, key); ok {
			for j := 0; j < i; j++ {
				c.tiers[j].Set(ctx, e)
			}
			return e, true
		}
	}
	return nil, false
}

func (c *TieredCache) Set(ctx context.Context, entities ...*model.Entity) {
	for _, tier := range c.tiers {
		tier.Set(ctx, entities...)
	}
}

func (c *TieredCache) GetRef(ctx context.Context, identifier model.Key) (model.Key, bool) {
	for i, tier := range c.tiers {
		if owner, ok := tier.GetRef(ctx, identifier); ok {
			for j := 0; j < i; j++ {
				c.tiers[j].SetRef(ctx, identifier, owner)
			}
			return owner, true
		}
	}
	return model.Key{}, false
}

func (c *TieredCache) SetRef(ctx context.Context, identifier, owner model.Key) {
	for _, tier := range c.tiers {
		tier.SetRef(ctx, identifier, owner)
	}
}

func (c *TieredCache) Invalidate(ctx context.Context, keys ...model.Key) {
	for _, tier := range c.tiers {
		tier.Invalidate(ctx, keys...)
	}
}
