package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v6"
)

// Backend selectors.
const (
	BackendMemory  = "memory"
	BackendMongoDB = "mongodb"
)

// RedisConfig holds the connection settings for the entity cache.
type RedisConfig struct {
	Host         string `env:"REDIS_HOST" envDefault:"localhost" json:"host"`
	Port         string `env:"REDIS_PORT" envDefault:"6379" json:"port"`
	Password     string `env:"REDIS_PASSWORD" json:"-"`
	Database     int    `env:"REDIS_DATABASE" envDefault:"0" json:"database"`
	MaxRetries   int    `env:"REDIS_MAX_RETRIES" envDefault:"3" json:"max_retries"`
	PoolSize     int    `env:"REDIS_POOL_SIZE" envDefault:"10" json:"pool_size"`
	MinIdleConns int    `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2" json:"min_idle_conns"`
	EnableTLS    bool   `env:"REDIS_ENABLE_TLS" envDefault:"false" json:"enable_tls"`

	// Duration strings, e.g. "30m" or "1h".
	ConnMaxIdleTime string `env:"REDIS_CONN_MAX_IDLE_TIME" envDefault:"30m" json:"conn_max_idle_time"`
	ConnMaxLifetime string `env:"REDIS_CONN_MAX_LIFETIME" envDefault:"1h" json:"conn_max_lifetime"`
}

// GetAddr returns the host:port address for the Redis client.
func (c *RedisConfig) GetAddr() string {
	return c.Host + ":" + c.Port
}

// CacheConfig tunes the two cache tiers: the shared Redis tier and the
// request-scoped in-process tier.
type CacheConfig struct {
	Enabled    bool          `env:"ENTITY_CACHE_ENABLED" envDefault:"true" json:"enabled"`
	TTL        time.Duration `env:"ENTITY_CACHE_TTL" envDefault:"60s" json:"ttl"`
	ContextTTL time.Duration `env:"CONTEXT_CACHE_TTL" envDefault:"5s" json:"context_ttl"`
}

// EmulatorConfig describes the local emulator process the supervisor manages.
type EmulatorConfig struct {
	// Enabled makes the server supervise a local emulator process for the
	// duration of the run.
	Enabled bool `env:"EMULATOR_ENABLED" envDefault:"false" json:"enabled"`

	// Host is where the emulator listens, e.g. "localhost:8081". When set
	// via DATASTORE_EMULATOR_HOST an already running emulator is assumed.
	Host         string        `env:"DATASTORE_EMULATOR_HOST" json:"host"`
	ProjectID    string        `env:"DATASTORE_PROJECT_ID" envDefault:"example" json:"project_id"`
	GCloudPath   string        `env:"GCLOUD_PATH" envDefault:"gcloud" json:"gcloud_path"`
	StartTimeout time.Duration `env:"EMULATOR_START_TIMEOUT" envDefault:"30s" json:"start_timeout"`
}

// DatastoreConfig holds all configuration for the connector module.
type DatastoreConfig struct {
	// Backend picks the persistence adapter: memory or mongodb.
	Backend string `env:"DATASTORE_BACKEND" envDefault:"memory" json:"backend"`

	MongoDBURI          string `env:"MONGODB_URI" json:"mongodb_uri"`
	DefaultDatabaseName string `env:"MONGODB_DEFAULT_DATABASE" envDefault:"datastore_default" json:"default_database_name"`

	RedisEnabled bool `env:"REDIS_ENABLED" envDefault:"false" json:"redis_enabled"`

	Redis    RedisConfig    `json:"redis"`
	Cache    CacheConfig    `json:"cache"`
	Emulator EmulatorConfig `json:"emulator"`
}

// LoadConfig loads configuration from environment variables and applies
// defaults.
func LoadConfig() (*DatastoreConfig, error) {
	cfg := &DatastoreConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("failed to load datastore configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Redis); err != nil {
		return nil, errors.New("failed to load redis configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Cache); err != nil {
		return nil, errors.New("failed to load cache configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Emulator); err != nil {
		return nil, errors.New("failed to load emulator configuration from environment: " + err.Error())
	}

	if cfg.Backend == BackendMongoDB && cfg.MongoDBURI == "" {
		return nil, errors.New("MONGODB_URI environment variable is not set")
	}
	if cfg.Backend != BackendMemory && cfg.Backend != BackendMongoDB {
		return nil, errors.New("DATASTORE_BACKEND must be memory or mongodb, got " + cfg.Backend)
	}
	return cfg, nil
}

// DefaultConfig returns a DatastoreConfig suitable for local development.
func DefaultConfig() *DatastoreConfig {
	return &DatastoreConfig{
		Backend:             BackendMemory,
		MongoDBURI:          "mongodb://localhost:27017",
		DefaultDatabaseName: "datastore_default",
		Redis: RedisConfig{
			Host:            "localhost",
			Port:            "6379",
			Database:        0,
			MaxRetries:      3,
			PoolSize:        10,
			MinIdleConns:    2,
			ConnMaxIdleTime: "30m",
			ConnMaxLifetime: "1h",
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        time.Minute,
			ContextTTL: 5 * time.Second,
		},
		Emulator: EmulatorConfig{
			ProjectID:    "example",
			GCloudPath:   "gcloud",
			StartTimeout: 30 * time.Second,
		},
	}
}
