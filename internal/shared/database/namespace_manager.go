package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gcloud-connector/internal/shared/logger"

	"go.mongodb.org/mongo-driver/mongo"
)

// NamespaceManager maps datastore namespaces onto MongoDB databases.
// Each namespace gets an isolated database, mirroring Datastore's
// namespace-based multitenancy.
type NamespaceManager struct {
	client      *mongo.Client
	connections map[string]*mongo.Database // namespace -> database
	mu          sync.RWMutex
	logger      logger.Logger
	config      *NamespaceConfig
}

// NamespaceConfig holds configuration for namespace database management
type NamespaceConfig struct {
	// Database naming strategy
	DatabasePrefix    string        `env:"DB_PREFIX" envDefault:"datastore_ns_"`
	DefaultDatabase   string        `env:"DEFAULT_DATABASE" envDefault:"datastore_default"`
	MaxConnections    int           `env:"MAX_NAMESPACE_CONNECTIONS" envDefault:"100"`
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"30s"`

	// Namespaces are created on first use, like Datastore does
	AutoCreateDatabase bool `env:"AUTO_CREATE_DB" envDefault:"true"`

	// Connection pooling per namespace
	MaxPoolSize uint64 `env:"MAX_POOL_SIZE" envDefault:"10"`
	MinPoolSize uint64 `env:"MIN_POOL_SIZE" envDefault:"2"`
}

// NewNamespaceManager creates a new namespace manager
func NewNamespaceManager(client *mongo.Client, config *NamespaceConfig, logger logger.Logger) *NamespaceManager {
	if config == nil {
		config = &NamespaceConfig{
			DatabasePrefix:     "datastore_ns_",
			DefaultDatabase:    "datastore_default",
			MaxConnections:     100,
			ConnectionTimeout:  30 * time.Second,
			AutoCreateDatabase: true,
			MaxPoolSize:        10,
			MinPoolSize:        2,
		}
	}

	return &NamespaceManager{
		client:      client,
		connections: make(map[string]*mongo.Database),
		logger:      logger,
		config:      config,
	}
}

// DatabaseForNamespace returns the MongoDB database backing a namespace.
// The empty namespace maps to the default database.
func (nm *NamespaceManager) DatabaseForNamespace(ctx context.Context, namespace string) (*mongo.Database, error) {
	dbName := nm.databaseName(namespace)

	nm.mu.RLock()
	if db, exists := nm.connections[namespace]; exists {
		nm.mu.RUnlock()
		return db, nil
	}
	nm.mu.RUnlock()

	// Double-check locking pattern
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if db, exists := nm.connections[namespace]; exists {
		return db, nil
	}

	db := nm.client.Database(dbName)

	if nm.config.AutoCreateDatabase {
		if err := nm.ensureDatabaseExists(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to ensure database exists: %w", err)
		}
	}

	nm.connections[namespace] = db

	nm.logger.WithFields(map[string]interface{}{
		"namespace":     namespace,
		"database_name": dbName,
	}).Info("Created new database connection for namespace")

	return db, nil
}

// ListNamespaceDatabases lists all databases backing namespaces
func (nm *NamespaceManager) ListNamespaceDatabases(ctx context.Context) ([]string, error) {
	databaseNames, err := nm.client.ListDatabaseNames(ctx, map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}

	var nsDatabases []string
	for _, name := range databaseNames {
		if name == nm.config.DefaultDatabase || strings.HasPrefix(name, nm.config.DatabasePrefix) {
			nsDatabases = append(nsDatabases, name)
		}
	}

	return nsDatabases, nil
}

// DropNamespaceDatabase drops the database backing a namespace
func (nm *NamespaceManager) DropNamespaceDatabase(ctx context.Context, namespace string) error {
	dbName := nm.databaseName(namespace)

	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.connections, namespace)

	if err := nm.client.Database(dbName).Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}

	nm.logger.WithFields(map[string]interface{}{
		"namespace":     namespace,
		"database_name": dbName,
	}).Info("Dropped database for namespace")

	return nil
}

// Close closes all database connections
func (nm *NamespaceManager) Close() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.connections = make(map[string]*mongo.Database)

	nm.logger.Info("Closed all namespace database connections")
	return nil
}

// ConnectionCount returns the number of active connections
func (nm *NamespaceManager) ConnectionCount() int {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return len(nm.connections)
}

// Private methods

// databaseName generates a database name for a namespace
func (nm *NamespaceManager) databaseName(namespace string) string {
	if namespace == "" {
		return nm.config.DefaultDatabase
	}

	// Sanitize the namespace for use as database name
	sanitized := strings.ToLower(namespace)
	sanitized = strings.ReplaceAll(sanitized, "-", "_")
	sanitized = strings.ReplaceAll(sanitized, ".", "_")
	sanitized = strings.ReplaceAll(sanitized, " ", "_")

	return nm.config.DatabasePrefix + sanitized
}

// ensureDatabaseExists creates the database by creating a metadata collection
func (nm *NamespaceManager) ensureDatabaseExists(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection("_metadata")

	_, err := collection.InsertOne(ctx, map[string]interface{}{
		"type":       "database_metadata",
		"created_at": time.Now(),
		"version":    "1.0",
	})

	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	return nil
}

// ValidateNamespace validates a namespace identifier. The empty namespace is
// always valid and maps to the default database.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return nil
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	for _, char := range namespace {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '-' || char == '_' || char == '.') {
			return fmt.Errorf("namespace contains invalid characters")
		}
	}

	return nil
}
