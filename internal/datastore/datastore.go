// Package datastore wires the connector module together: a persistence
// backend (in-memory or MongoDB with one database per namespace), the query
// normalizer and unique marker services, the four command use cases and the
// HTTP adapter that exposes them.
package datastore

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"gcloud-connector/internal/datastore/adapter/event"
	httpadapter "gcloud-connector/internal/datastore/adapter/http"
	"gcloud-connector/internal/datastore/adapter/persistence"
	"gcloud-connector/internal/datastore/adapter/persistence/memory"
	mongodbpersistence "gcloud-connector/internal/datastore/adapter/persistence/mongodb"
	"gcloud-connector/internal/datastore/config"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/datastore/usecase"
	"gcloud-connector/internal/shared/database"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/eventbus"
	"gcloud-connector/internal/shared/logger"
)

// Module holds the assembled connector.
type Module struct {
	Config     *config.DatastoreConfig
	Backend    repository.Backend
	Cache      repository.EntityCache
	Normalizer *service.QueryNormalizer
	Uniques    *service.UniqueMarkerService
	EventBus   eventbus.EventBusInterface

	Selects *usecase.SelectCommand
	Inserts *usecase.InsertCommand
	Updates *usecase.UpdateCommand
	Deletes *usecase.DeleteCommand

	Logger logger.Logger

	namespaces  *database.NamespaceManager
	redisClient *redis.Client
	handler     *httpadapter.Handler
}

// NewModule assembles the connector from configuration. mongoClient may be
// nil for the memory backend. constraints lists the unique property
// combinations enforced per kind; nil disables marker maintenance.
func NewModule(
	cfg *config.DatastoreConfig,
	log logger.Logger,
	mongoClient *mongo.Client,
	constraints service.UniqueConstraints,
) (*Module, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.NewLogger()
	}
	log = log.WithComponent("datastore")

	m := &Module{
		Config: cfg,
		Logger: log,
	}

	switch cfg.Backend {
	case config.BackendMemory:
		m.Backend = memory.NewStore(log)
		log.Info("In-memory backend initialized")
	case config.BackendMongoDB:
		if mongoClient == nil {
			return nil, errors.NewInfrastructureError("mongodb backend requires a mongo client")
		}
		m.namespaces = database.NewNamespaceManager(mongoClient, &database.NamespaceConfig{
			DatabasePrefix:     "datastore_ns_",
			DefaultDatabase:    cfg.DefaultDatabaseName,
			MaxConnections:     100,
			AutoCreateDatabase: true,
		}, log)
		m.Backend = mongodbpersistence.NewMongoBackend(mongoClient, m.namespaces, log)
		log.Info("MongoDB backend initialized")
	default:
		return nil, errors.NewValidationError("unknown backend").WithDetail("backend", cfg.Backend)
	}

	m.Cache = m.buildCache()
	m.EventBus = eventbus.NewEventBus(log)
	publisher := event.NewPublisher(m.EventBus)

	m.Normalizer = service.NewQueryNormalizer(log)
	m.Uniques = service.NewUniqueMarkerService(m.Backend, constraints, log)

	m.Selects = usecase.NewSelectCommand(m.Backend, m.Cache, m.Normalizer, m.Uniques, log)
	m.Inserts = usecase.NewInsertCommand(m.Backend, m.Cache, m.Uniques, publisher, log)
	m.Updates = usecase.NewUpdateCommand(m.Backend, m.Cache, m.Uniques, publisher, log)
	m.Deletes = usecase.NewDeleteCommand(m.Backend, m.Cache, m.Uniques, m.Selects, publisher, log)

	m.handler = httpadapter.NewHandler(m.Backend, m.Selects, m.Inserts, m.Updates, m.Deletes, log)
	return m, nil
}

// buildCache layers a short-lived context cache over Redis when both are
// enabled. Either tier alone also works; with everything off the module runs
// uncached.
func (m *Module) buildCache() repository.EntityCache {
	if !m.Config.Cache.Enabled {
		return nil
	}
	var tiers []repository.EntityCache
	if m.Config.Cache.ContextTTL > 0 {
		tiers = append(tiers, persistence.NewContextEntityCache(m.Config.Cache.ContextTTL))
	}
	if m.Config.RedisEnabled {
		m.redisClient = config.NewRedisClient(&m.Config.Redis)
		tiers = append(tiers, persistence.NewRedisEntityCache(m.redisClient, m.Config.Cache.TTL, m.Logger))
	}
	tiered := persistence.NewTieredCache(tiers...)
	if tiered.Empty() {
		return nil
	}
	return tiered
}

// RegisterRoutes mounts the connector API on router.
func (m *Module) RegisterRoutes(router fiber.Router) {
	m.handler.RegisterRoutes(router)
}

// Close releases the module's connections. The backend owns the mongo client
// shutdown; the redis client is only created here so it is closed here.
func (m *Module) Close(ctx context.Context) error {
	var firstErr error
	if err := m.Backend.Close(ctx); err != nil {
		firstErr = err
	}
	if m.redisClient != nil {
		if err := m.redisClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
