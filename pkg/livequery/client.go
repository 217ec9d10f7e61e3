package livequery

import (
	"context"
	"fmt"
	"sync"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/store"
	"go.uber.org/zap"
)

// MetricsRecorder receives watcher and fetch events.
// *metrics.Metrics satisfies it.
type MetricsRecorder interface {
	WatcherStarted(queryID string)
	WatcherStopped(queryID string)
	NotificationHandled(queryID, outcome string)
	FetchIssued(queryID string)
	FetchCompleted(queryID string, err error)
	StaleCompletion(queryID string)
}

type nopMetrics struct{}

func (nopMetrics) WatcherStarted(string)              {}
func (nopMetrics) WatcherStopped(string)              {}
func (nopMetrics) NotificationHandled(string, string) {}
func (nopMetrics) FetchIssued(string)                 {}
func (nopMetrics) FetchCompleted(string, error)       {}
func (nopMetrics) StaleCompletion(string)             {}

// Client gives watchers access to the store and the fetcher.
//
// Watchers reference their client weakly: a Watcher never keeps a Client
// alive, and once the client has been collected the watcher's fetches are
// no-ops. Keep the Client reachable for as long as its watchers are in use.
type Client struct {
	store      store.Store
	fetcher    Fetcher
	resolver   Resolver
	dispatcher Dispatcher
	config     *Config
	logger     *zap.Logger
	metrics    MetricsRecorder

	ownsStore bool
	queue     *SerialQueue
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	watchers map[*Watcher]struct{}
	closed   bool
}

// NewClient creates a Client with the given options.
// If no options are provided, it uses an in-memory store with no resolver.
//
// Example:
//
//	client, err := NewClient(
//	    WithStore(store.NewMemoryStore()),
//	    WithResolver(myResolver),
//	)
func NewClient(opts ...Option) (*Client, error) {
	// Start with defaults
	c := &Client{
		config:   NewConfig(),
		logger:   zap.NewNop(),
		metrics:  nopMetrics{},
		watchers: make(map[*Watcher]struct{}),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Create default store if not provided
	if c.store == nil {
		s, err := c.config.Store.Open(c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create default store: %w", err)
		}
		c.store = s
		c.ownsStore = true
	}

	if c.fetcher == nil {
		timeout, err := c.config.Fetch.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		c.fetcher = NewStoreFetcher(c.store, c.resolver, timeout)
	}

	if c.dispatcher == nil {
		c.queue = NewSerialQueue(c.logger)
		c.dispatcher = c.queue
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Store returns the store the client reads and commits to
func (c *Client) Store() store.Store {
	return c.store
}

// WatchOption customizes a single watcher
type WatchOption func(*watchSettings)

type watchSettings struct {
	dispatcher    Dispatcher
	initialPolicy *core.CachePolicy
}

// WithWatchDispatcher delivers this watcher's results on d instead of the
// client's dispatcher
func WithWatchDispatcher(d Dispatcher) WatchOption {
	return func(s *watchSettings) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// WithInitialPolicy overrides the configured policy for the first fetch of Watch
func WithInitialPolicy(policy core.CachePolicy) WatchOption {
	return func(s *watchSettings) {
		s.initialPolicy = &policy
	}
}

// NewWatcher creates a watcher subscribed to the store without fetching.
// Call Fetch or Refetch to produce the first result.
func (c *Client) NewWatcher(query Query, handler ResultHandler, opts ...WatchOption) (*Watcher, error) {
	w, _, err := c.newWatcher(query, handler, opts)
	return w, err
}

// Watch creates a watcher and issues its first fetch with the configured
// initial policy.
func (c *Client) Watch(query Query, handler ResultHandler, opts ...WatchOption) (*Watcher, error) {
	w, settings, err := c.newWatcher(query, handler, opts)
	if err != nil {
		return nil, err
	}

	policy, err := c.config.Fetch.Policy()
	if err != nil {
		w.Cancel()
		return nil, err
	}
	if settings.initialPolicy != nil {
		policy = *settings.initialPolicy
	}
	w.Fetch(policy)
	return w, nil
}

func (c *Client) newWatcher(query Query, handler ResultHandler, opts []WatchOption) (*Watcher, watchSettings, error) {
	settings := watchSettings{dispatcher: c.dispatcher}
	for _, opt := range opts {
		opt(&settings)
	}
	if query == nil {
		return nil, settings, ErrNilQuery
	}
	if handler == nil {
		return nil, settings, ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, settings, ErrClientClosed
	}
	w := startWatcher(c, query, settings.dispatcher, handler)
	c.watchers[w] = struct{}{}
	c.metrics.WatcherStarted(query.ID())
	c.logger.Debug("watcher created",
		zap.String("query", query.ID()),
		zap.String("origin", string(w.Origin())),
	)
	return w, settings, nil
}

// Fetch runs query once and waits for the result
func (c *Client) Fetch(ctx context.Context, query Query, policy core.CachePolicy) (*Result, error) {
	if query == nil {
		return nil, ErrNilQuery
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	handle := c.fetcher.Fetch(ctx, FetchRequest{Query: query, Policy: policy}, func(result *Result, err error) {
		done <- outcome{result: result, err: err}
	})

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if handle != nil {
			handle.Cancel()
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchCancelled, ctx.Err())
	}
}

// WatcherCount returns the number of live watchers
func (c *Client) WatcherCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}

func (c *Client) forget(w *Watcher) {
	c.mu.Lock()
	delete(c.watchers, w)
	c.mu.Unlock()
}

// Close cancels every live watcher, stops the client's own dispatch queue
// and closes the store if the client created it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watchers := make([]*Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		w.Cancel()
	}
	c.cancel()
	if c.queue != nil {
		c.queue.Close()
	}
	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}
