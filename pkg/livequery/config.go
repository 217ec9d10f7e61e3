package livequery

import (
	"fmt"
	"os"
	"time"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/store"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds the client configuration.
type Config struct {
	// Store selects and configures the record store
	Store StoreConfig `yaml:"store"`

	// Fetch controls how watchers fetch
	Fetch FetchConfig `yaml:"fetch"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level,omitempty"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	// Backend is "memory" or "redis"
	Backend string `yaml:"backend"`

	// Redis is used when Backend is "redis"
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig mirrors store.RedisConfig with YAML-friendly durations.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
	Channel   string `yaml:"channel,omitempty"`

	// TTL for stored records
	// Format: "1h", "30m"
	TTL string `yaml:"ttl,omitempty"`
}

// FetchConfig defines fetch behavior.
type FetchConfig struct {
	// InitialPolicy is used for the first fetch issued by Client.Watch
	// Values: "cache-first", "network-only", "cache-only"
	InitialPolicy string `yaml:"initial_policy"`

	// Timeout bounds one fetch
	// Format: "10s", "0" to disable
	Timeout string `yaml:"timeout,omitempty"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "livequery:",
				Channel:   "livequery:commits",
				TTL:       "1h",
			},
		},
		Fetch: FetchConfig{
			InitialPolicy: "cache-first",
			Timeout:       "10s",
		},
		LogLevel: "info",
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
// Fields missing from the file keep their NewConfig defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: redis backend requires store.redis.addr", ErrInvalidConfig)
		}
		if _, err := parseDuration(c.Store.Redis.TTL); err != nil {
			return fmt.Errorf("%w: invalid store.redis.ttl: %v", ErrInvalidConfig, err)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if _, err := c.Fetch.Policy(); err != nil {
		return err
	}
	if _, err := c.Fetch.TimeoutDuration(); err != nil {
		return err
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// Policy parses InitialPolicy.
func (f FetchConfig) Policy() (core.CachePolicy, error) {
	policy, err := core.ParseCachePolicy(f.InitialPolicy)
	if err != nil {
		return core.CacheFirst, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return policy, nil
}

// TimeoutDuration parses Timeout.
func (f FetchConfig) TimeoutDuration() (time.Duration, error) {
	timeout, err := parseDuration(f.Timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid fetch.timeout: %v", ErrInvalidConfig, err)
	}
	return timeout, nil
}

// ToStoreConfig converts to the store package's Redis settings.
func (r RedisConfig) ToStoreConfig() (store.RedisConfig, error) {
	ttl, err := parseDuration(r.TTL)
	if err != nil {
		return store.RedisConfig{}, fmt.Errorf("%w: invalid ttl: %v", ErrInvalidConfig, err)
	}
	return store.RedisConfig{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
		Channel:   r.Channel,
		TTL:       ttl,
	}, nil
}

// Open creates the configured store. logger may be nil.
func (s StoreConfig) Open(logger *zap.Logger) (store.Store, error) {
	switch s.Backend {
	case "", BackendMemory:
		return store.NewMemoryStore(), nil
	case BackendRedis:
		redisConfig, err := s.Redis.ToStoreConfig()
		if err != nil {
			return nil, err
		}
		redisConfig.Logger = logger
		return store.NewRedisStore(redisConfig), nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, s.Backend)
	}
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", value)
	}
	return d, nil
}
