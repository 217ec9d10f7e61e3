package livequery

import (
	"fmt"

	"github.com/yourusername/livequery/store"
	"go.uber.org/zap"
)

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithStore sets the store for the client.
// If not provided, one is opened from the configuration.
func WithStore(s store.Store) Option {
	return func(c *Client) error {
		if s == nil {
			return fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
		}
		c.store = s
		return nil
	}
}

// WithFetcher replaces the default StoreFetcher.
func WithFetcher(f Fetcher) Option {
	return func(c *Client) error {
		if f == nil {
			return fmt.Errorf("%w: fetcher cannot be nil", ErrInvalidConfig)
		}
		c.fetcher = f
		return nil
	}
}

// WithResolver sets the resolver the default StoreFetcher uses for network loads.
func WithResolver(r Resolver) Option {
	return func(c *Client) error {
		if r == nil {
			return fmt.Errorf("%w: resolver cannot be nil", ErrInvalidConfig)
		}
		c.resolver = r
		return nil
	}
}

// WithDispatcher sets the default dispatcher for result handlers.
// If not provided, the client runs its own SerialQueue.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Client) error {
		if d == nil {
			return fmt.Errorf("%w: dispatcher cannot be nil", ErrInvalidConfig)
		}
		c.dispatcher = d
		return nil
	}
}

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) error {
		if m == nil {
			return fmt.Errorf("%w: metrics recorder cannot be nil", ErrInvalidConfig)
		}
		c.metrics = m
		return nil
	}
}

// WithConfig sets the configuration for the client.
func WithConfig(config *Config) Option {
	return func(c *Client) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		c.config = config
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(c *Client) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		c.config = config
		return nil
	}
}
