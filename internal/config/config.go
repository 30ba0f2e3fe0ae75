package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
	// DriverStore puts nonces in the document/identity store
	DriverStore = "store"
)

// Event drivers
const (
	EventsNone      = "none"
	EventsGoChannel = "gochannel"
	EventsRedis     = "redis"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR, default=:9000"`
	Env      string `env:"ENV,       default=development"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	Auth    AuthConfig
	Session SessionConfig
	Store   StoreConfig
	Limits  RateLimitConfig
	Events  EventsConfig
}

type AuthConfig struct {
	Domain             string        `env:"SERVICE_DOMAIN,       default=localhost:9000"`
	URI                string        `env:"SERVICE_URI,          default=http://localhost:9000/auth/verify"`
	AllowedChainIDs    []int64       `env:"ALLOWED_CHAIN_IDS,    default=1"`
	NonceTTL           time.Duration `env:"NONCE_TTL,            default=5m"`
	NonceSweepInterval time.Duration `env:"NONCE_SWEEP_INTERVAL, default=1m"`
}

type SessionConfig struct {
	TTL        time.Duration `env:"SESSION_TTL,         default=168h"`
	Issuer     string        `env:"SESSION_ISSUER,      default=notary"`
	SigningKey string        `env:"SESSION_SIGNING_KEY"`
}

type StoreConfig struct {
	Driver      string        `env:"STORE_DRIVER,  default=memory"`
	NonceDriver string        `env:"NONCE_DRIVER,  default=store"`
	SQLitePath  string        `env:"SQLITE_PATH,   default=data/notary.db"`
	MongoURI    string        `env:"MONGO_URI,     default=mongodb://localhost:27017"`
	MongoDB     string        `env:"MONGO_DB,      default=notary"`
	RedisURL    string        `env:"REDIS_URL,     default=redis://localhost:6379/0"`
	Timeout     time.Duration `env:"STORE_TIMEOUT, default=3s"`
}

type RateLimitConfig struct {
	Limit  int           `env:"RATE_LIMIT,  default=30"`
	Window time.Duration `env:"RATE_WINDOW, default=1m"`
}

type EventsConfig struct {
	Driver string `env:"EVENTS_DRIVER, default=none"`
}

// Load reads configuration from the process environment
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through lookuper and validates it
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects combinations the service cannot run with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverMongo:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Store.NonceDriver {
	case DriverStore, DriverRedis:
	default:
		return fmt.Errorf("unknown NONCE_DRIVER %q", c.Store.NonceDriver)
	}
	if c.Store.Driver == DriverMongo && c.Store.NonceDriver == DriverStore {
		return fmt.Errorf("STORE_DRIVER=mongo needs NONCE_DRIVER=redis")
	}
	switch c.Events.Driver {
	case EventsNone, EventsGoChannel, EventsRedis:
	default:
		return fmt.Errorf("unknown EVENTS_DRIVER %q", c.Events.Driver)
	}
	if len(c.Auth.AllowedChainIDs) == 0 {
		return fmt.Errorf("ALLOWED_CHAIN_IDS must not be empty")
	}
	if c.Auth.NonceTTL <= 0 || c.Session.TTL <= 0 || c.Store.Timeout <= 0 {
		return fmt.Errorf("NONCE_TTL, SESSION_TTL and STORE_TIMEOUT must be positive")
	}
	if c.Limits.Limit <= 0 || c.Limits.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT and RATE_WINDOW must be positive")
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
