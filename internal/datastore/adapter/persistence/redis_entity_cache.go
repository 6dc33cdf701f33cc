package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/shared/logger"
)

const (
	cacheKeyPrefix = "entity:"
	refKeyPrefix   = "identifier:"
)

// RedisEntityCache is the shared cache tier: entities fetched by key are kept
// in Redis with a TTL and evicted on every write. Failures degrade to cache
// misses, never to request errors.
type RedisEntityCache struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

var _ repository.EntityCache = (*RedisEntityCache)(nil)

func NewRedisEntityCache(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisEntityCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = logger.NewLogger()
	}
	return &RedisEntityCache{client: client, ttl: ttl, logger: log}
}

func cacheKey(key model.Key) string {
	return cacheKeyPrefix + key.Encode()
}

func refKey(identifier model.Key) string {
	return refKeyPrefix + identifier.Encode()
}

func (c *RedisEntityCache) Get(ctx context.Context, key model.Key) (*model.Entity, bool) {
	data, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Entity cache read failed",
				zap.String("key", key.Encode()),
				zap.Error(err))
		}
		return nil, false
	}
	e, err := DecodeEntity(data)
	if err != nil {
		c.logger.Warn("Dropping undecodable cached entity",
			zap.String("key", key.Encode()),
			zap.Error(err))
		c.client.Del(ctx, cacheKey(key))
		return nil, false
	}
	return e, true
}

func (c *RedisEntityCache) Set(ctx context.Context, entities ...*model.Entity) {
	if len(entities) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for _, e := range entities {
		data, err := EncodeEntity(e)
		if err != nil {
			c.logger.Warn("Skipping uncacheable entity",
				zap.String("key", e.Key.Encode()),
				zap.Error(err))
			continue
		}
		pipe.Set(ctx, cacheKey(e.Key), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Entity cache write failed", zap.Error(err))
	}
}

func (c *RedisEntityCache) GetRef(ctx context.Context, identifier model.Key) (model.Key, bool) {
	encoded, err := c.client.Get(ctx, refKey(identifier)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Identifier cache read failed",
				zap.String("identifier", identifier.NameValue()),
				zap.Error(err))
		}
		return model.Key{}, false
	}
	owner, err := model.DecodeKey(encoded)
	if err != nil {
		c.logger.Warn("Dropping undecodable cached identifier record",
			zap.String("identifier", identifier.NameValue()),
			zap.Error(err))
		c.client.Del(ctx, refKey(identifier))
		return model.Key{}, false
	}
	return owner, true
}

func (c *RedisEntityCache) SetRef(ctx context.Context, identifier, owner model.Key) {
	if err := c.client.Set(ctx, refKey(identifier), owner.Encode(), c.ttl).Err(); err != nil {
		c.logger.Warn("Identifier cache write failed", zap.Error(err))
	}
}

func (c *RedisEntityCache) Invalidate(ctx context.Context, keys ...model.Key) {
	if len(keys) == 0 {
		return
	}
	cacheKeys := make([]string, 0, 2*len(keys))
	for _, key := range keys {
		cacheKeys = append(cacheKeys, cacheKey(key), refKey(key))
	}
	if err := c.client.Del(ctx, cacheKeys...).Err(); err != nil {
		c.logger.Warn("Entity cache invalidation failed",
			zap.Int("keys", len(cacheKeys)),
			zap.Error(err))
	}
}
