package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcloud-connector/internal/datastore/config"
	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/logger"
)

func memoryConfig() *config.DatastoreConfig {
	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendMemory
	cfg.RedisEnabled = false
	cfg.Cache.Enabled = true
	cfg.Cache.ContextTTL = 5 * time.Second
	return cfg
}

func TestNewModule_MemoryBackend(t *testing.T) {
	m, err := NewModule(memoryConfig(), logger.NewLogger(), nil, nil)
	require.NoError(t, err)
	defer m.Close(context.Background())

	require.NotNil(t, m.Backend)
	require.NotNil(t, m.Selects)
	require.NotNil(t, m.Inserts)
	require.NotNil(t, m.Updates)
	require.NotNil(t, m.Deletes)
	assert.NotNil(t, m.Cache)
}

func TestNewModule_MongoBackendRequiresClient(t *testing.T) {
	cfg := memoryConfig()
	cfg.Backend = config.BackendMongoDB
	_, err := NewModule(cfg, nil, nil, nil)
	require.Error(t, err)
}

func TestNewModule_UnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Backend = "cassandra"
	_, err := NewModule(cfg, nil, nil, nil)
	require.Error(t, err)
}

func TestNewModule_CacheDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Cache.Enabled = false
	m, err := NewModule(cfg, nil, nil, nil)
	require.NoError(t, err)
	defer m.Close(context.Background())
	assert.Nil(t, m.Cache)
}

func TestModule_EndToEndInsertAndSelect(t *testing.T) {
	m, err := NewModule(memoryConfig(), nil, nil, service.UniqueConstraints{
		"User": {{"email"}},
	})
	require.NoError(t, err)
	defer m.Close(context.Background())

	ctx := context.Background()
	user := model.NewEntity(model.NewKey("app").StringID("User", "alice"))
	user.Set("email", "alice@example.com")

	_, err = m.Inserts.Execute(ctx, []*model.Entity{user})
	require.NoError(t, err)

	q := model.NewQuery("app", "User")
	filter := model.Where("email", model.OperatorEqual, "alice@example.com")
	q.Filter = &filter
	result, err := m.Selects.Execute(ctx, q)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "alice", result.Entities[0].Key.NameValue())
}
