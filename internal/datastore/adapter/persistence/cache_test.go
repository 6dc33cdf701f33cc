package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/logger"
)

func testEntity() *model.Entity {
	e := model.NewEntity(model.NewKey("acme").IntID("Task", 42))
	e.Set("name", "wash dishes")
	e.Set("count", int64(3))
	e.Set("ratio", 0.5)
	e.Set("done", false)
	e.Set("created", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	e.Set("owner", model.NewKey("acme").StringID("User", "alice"))
	e.Set("tags", []interface{}{"a", int64(2), nil})
	e.Set("avatar", []byte{0x1f, 0x8b, 0x00})
	e.SetUnindexed("body", "long text")
	e.Classes = []string{"Base", "Task"}
	return e
}

func TestEntityCodecRoundTrip(t *testing.T) {
	original := testEntity()

	data, err := EncodeEntity(original)
	require.NoError(t, err)

	decoded, err := DecodeEntity(data)
	require.NoError(t, err)

	assert.True(t, original.Key.Equal(decoded.Key))
	assert.Equal(t, original.Properties["name"], decoded.Properties["name"])
	assert.Equal(t, int64(3), decoded.Properties["count"], "integers survive as int64")
	assert.Equal(t, 0.5, decoded.Properties["ratio"])
	assert.Equal(t, false, decoded.Properties["done"])
	assert.Equal(t, original.Properties["created"], decoded.Properties["created"])
	owner, ok := decoded.Properties["owner"].(model.Key)
	require.True(t, ok, "keys survive as keys")
	assert.Equal(t, "alice", owner.NameValue())
	assert.Equal(t, []interface{}{"a", int64(2), nil}, decoded.Properties["tags"])
	assert.Equal(t, []byte{0x1f, 0x8b, 0x00}, decoded.Properties["avatar"])
	assert.True(t, decoded.Unindexed["body"])
	assert.Equal(t, original.Classes, decoded.Classes)
}

func TestContextEntityCache(t *testing.T) {
	ctx := context.Background()
	cache := NewContextEntityCache(time.Minute)
	e := testEntity()

	_, ok := cache.Get(ctx, e.Key)
	assert.False(t, ok)

	cache.Set(ctx, e)
	got, ok := cache.Get(ctx, e.Key)
	require.True(t, ok)
	assert.Equal(t, "wash dishes", got.Properties["name"])

	// Mutating the cached copy must not leak back.
	got.Set("name", "changed")
	again, ok := cache.Get(ctx, e.Key)
	require.True(t, ok)
	assert.Equal(t, "wash dishes", again.Properties["name"])

	cache.Invalidate(ctx, e.Key)
	_, ok = cache.Get(ctx, e.Key)
	assert.False(t, ok)
}

func TestContextEntityCacheIdentifierRecords(t *testing.T) {
	ctx := context.Background()
	cache := NewContextEntityCache(time.Minute)
	identifier := model.NewKey("acme").StringID("uniquemarker", "Task|slug:abc")
	owner := model.NewKey("acme").IntID("Task", 42)

	_, ok := cache.GetRef(ctx, identifier)
	assert.False(t, ok)

	cache.SetRef(ctx, identifier, owner)
	got, ok := cache.GetRef(ctx, identifier)
	require.True(t, ok)
	assert.True(t, owner.Equal(got))

	cache.Invalidate(ctx, identifier)
	_, ok = cache.GetRef(ctx, identifier)
	assert.False(t, ok)
}

func TestTieredCacheBackfillsUpperTiers(t *testing.T) {
	ctx := context.Background()
	upper := NewContextEntityCache(time.Minute)
	lower := NewContextEntityCache(time.Minute)
	tiered := NewTieredCache(upper, lower)
	e := testEntity()

	lower.Set(ctx, e)
	_, ok := upper.Get(ctx, e.Key)
	require.False(t, ok)

	got, ok := tiered.Get(ctx, e.Key)
	require.True(t, ok)
	assert.Equal(t, "wash dishes", got.Properties["name"])

	_, ok = upper.Get(ctx, e.Key)
	assert.True(t, ok, "hit backfills the tier above")

	tiered.Invalidate(ctx, e.Key)
	_, ok = lower.Get(ctx, e.Key)
	assert.False(t, ok)

	// Identifier records backfill the same way.
	identifier := model.NewKey("acme").StringID("uniquemarker", "Task|slug:abc")
	lower.SetRef(ctx, identifier, e.Key)
	owner, ok := tiered.GetRef(ctx, identifier)
	require.True(t, ok)
	assert.True(t, e.Key.Equal(owner))
	_, ok = upper.GetRef(ctx, identifier)
	assert.True(t, ok)
}

func TestTieredCacheSkipsNilTiers(t *testing.T) {
	tiered := NewTieredCache(nil, nil)
	assert.True(t, tiered.Empty())

	tiered = NewTieredCache(NewContextEntityCache(time.Minute), nil)
	assert.False(t, tiered.Empty())
}

func createTestRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DB:           15,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func TestRedisEntityCache(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := createTestRedisClient()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available for testing:", err)
	}
	defer func() {
		client.FlushDB(context.Background())
		client.Close()
	}()

	cache := NewRedisEntityCache(client, time.Minute, logger.NewLogger())
	e := testEntity()

	_, ok := cache.Get(ctx, e.Key)
	assert.False(t, ok)

	cache.Set(ctx, e)
	got, ok := cache.Get(ctx, e.Key)
	require.True(t, ok)
	assert.Equal(t, "wash dishes", got.Properties["name"])
	assert.Equal(t, int64(3), got.Properties["count"])

	cache.Invalidate(ctx, e.Key)
	_, ok = cache.Get(ctx, e.Key)
	assert.False(t, ok)

	identifier := model.NewKey("acme").StringID("uniquemarker", "Task|slug:abc")
	cache.SetRef(ctx, identifier, e.Key)
	owner, ok := cache.GetRef(ctx, identifier)
	require.True(t, ok)
	assert.True(t, e.Key.Equal(owner))
	cache.Invalidate(ctx, identifier)
	_, ok = cache.GetRef(ctx, identifier)
	assert.False(t, ok)
}
