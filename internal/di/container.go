package di

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gcloud-connector/internal/datastore"
	"gcloud-connector/internal/datastore/config"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/logger"
)

// Container represents a dependency injection container with proper lifecycle management
type Container struct {
	mu        sync.RWMutex
	services  map[reflect.Type]interface{}
	factories map[reflect.Type]func() (interface{}, error)

	DatastoreModule *datastore.Module
	MongoClient     *mongo.Client
	Config          *config.DatastoreConfig
	Logger          logger.Logger
}

// NewContainer creates a new DI container
func NewContainer() *Container {
	return &Container{
		services:  make(map[reflect.Type]interface{}),
		factories: make(map[reflect.Type]func() (interface{}, error)),
	}
}

// InitializeDatastore initializes the connector module, connecting to MongoDB
// first when the configured backend needs it.
func (c *Container) InitializeDatastore(ctx context.Context, cfg *config.DatastoreConfig, constraints service.UniqueConstraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg == nil {
		loaded, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load datastore configuration: %w", err)
		}
		cfg = loaded
	}
	c.Config = cfg

	if c.Logger == nil {
		c.Logger = logger.NewLogger()
	}

	if cfg.Backend == config.BackendMongoDB {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
		if err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("failed to ping MongoDB: %w", err)
		}
		c.MongoClient = client
	}

	module, err := datastore.NewModule(cfg, c.Logger, c.MongoClient, constraints)
	if err != nil {
		return fmt.Errorf("failed to create datastore module: %w", err)
	}
	c.DatastoreModule = module
	return nil
}

// Register registers a service instance
func (c *Container) Register(service interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	serviceType := reflect.TypeOf(service)
	if serviceType.Kind() == reflect.Ptr {
		serviceType = serviceType.Elem()
	}

	c.services[serviceType] = service
	return nil
}

// RegisterFactory registers a factory function for a service
func (c *Container) RegisterFactory(serviceType reflect.Type, factory func() (interface{}, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.factories[serviceType] = factory
	return nil
}

// Resolve resolves a service by type
func (c *Container) Resolve(serviceType reflect.Type) (interface{}, error) {
	c.mu.RLock()

	if service, exists := c.services[serviceType]; exists {
		c.mu.RUnlock()
		return service, nil
	}

	if factory, exists := c.factories[serviceType]; exists {
		c.mu.RUnlock()

		service, err := factory()
		if err != nil {
			return nil, fmt.Errorf("failed to create service: %w", err)
		}

		c.mu.Lock()
		c.services[serviceType] = service
		c.mu.Unlock()

		return service, nil
	}

	c.mu.RUnlock()
	return nil, fmt.Errorf("service of type %v not registered", serviceType)
}

// GetService is a generic helper for resolving services
func GetService[T any](c *Container) (T, error) {
	var zero T
	serviceType := reflect.TypeOf(zero)

	service, err := c.Resolve(serviceType)
	if err != nil {
		return zero, err
	}

	if typedService, ok := service.(T); ok {
		return typedService, nil
	}

	return zero, fmt.Errorf("service is not of expected type %T", zero)
}

// GetDatastoreModule returns the connector module instance
func (c *Container) GetDatastoreModule() *datastore.Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DatastoreModule
}

// HealthCheck verifies the container's backing services are reachable
func (c *Container) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.MongoClient != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.MongoClient.Ping(pingCtx, nil); err != nil {
			return fmt.Errorf("mongodb health check failed: %w", err)
		}
	}
	return nil
}

// Close releases the container's resources in reverse initialization order
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if c.DatastoreModule != nil {
		if err := c.DatastoreModule.Close(ctx); err != nil {
			firstErr = err
		}
		c.DatastoreModule = nil
	}
	c.MongoClient = nil
	return firstErr
}
