package livequery

import (
	"context"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/metrics"
	"github.com/yourusername/livequery/store"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Watcher
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "active-idle"
	case StateFetching:
		return "active-fetching"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ResultHandler receives every result a Watcher produces
type ResultHandler func(result *Result, err error)

// Watcher keeps a query result live. After each completed fetch it records
// the store keys the result depends on; when a commit from another origin
// touches any of them it fetches again and hands the new result to the same
// handler.
//
// A fetch that fails clears the dependent keys, so an erroring query stops
// reacting to store changes until the next explicit Fetch or Refetch.
//
// All methods are safe for concurrent use.
type Watcher struct {
	client     weak.Pointer[Client]
	store      store.Store
	query      Query
	dispatcher Dispatcher
	handler    ResultHandler
	origin     core.OriginToken
	logger     *zap.Logger
	metrics    MetricsRecorder
	ctx        context.Context
	stop       context.CancelFunc

	mu            sync.Mutex
	state         State
	generation    uint64
	fetching      FetchHandle
	dependentKeys core.KeySet

	// deliverMu is held from the state check in deliver until the handler
	// returns. deliverer is the goroutine holding it, zero when idle.
	deliverMu sync.Mutex
	deliverer atomic.Uint64
}

// Ensure Watcher implements store.Subscriber interface
var _ store.Subscriber = (*Watcher)(nil)

func startWatcher(client *Client, query Query, dispatcher Dispatcher, handler ResultHandler) *Watcher {
	ctx, stop := context.WithCancel(client.ctx)
	origin := core.NewOriginToken()
	w := &Watcher{
		client:     weak.Make(client),
		store:      client.store,
		query:      query,
		dispatcher: dispatcher,
		handler:    handler,
		origin:     origin,
		logger: client.logger.With(
			zap.String("query", query.ID()),
			zap.String("origin", string(origin)),
		),
		metrics: client.metrics,
		ctx:     ctx,
		stop:    stop,
		state:   StateIdle,
	}
	// Registered before the constructor returns, so no commit is missed
	// between construction and the first fetch.
	w.store.Subscribe(w)
	return w
}

// Fetch issues a new fetch with policy, superseding any fetch in flight.
// The superseded fetch is cancelled and its completion, should it still
// arrive, is discarded. No-op once the watcher is cancelled or its client
// has been released.
func (w *Watcher) Fetch(policy core.CachePolicy) {
	client := w.client.Value()
	if client == nil {
		w.logger.Warn("client released, fetch skipped")
		return
	}

	w.mu.Lock()
	if w.state == StateCancelled {
		w.mu.Unlock()
		return
	}
	w.generation++
	generation := w.generation
	superseded := w.fetching
	w.fetching = nil
	w.state = StateFetching
	w.mu.Unlock()

	if superseded != nil {
		superseded.Cancel()
	}

	w.metrics.FetchIssued(w.query.ID())
	w.logger.Debug("fetch issued",
		zap.Stringer("policy", policy),
		zap.Uint64("generation", generation),
	)

	handle := client.fetcher.Fetch(w.ctx, FetchRequest{
		Query:  w.query,
		Policy: policy,
		Origin: w.origin,
	}, func(result *Result, err error) {
		w.complete(generation, result, err)
	})
	if handle == nil {
		return
	}

	w.mu.Lock()
	current := w.generation == generation
	if current && w.state == StateFetching {
		w.fetching = handle
	}
	abandon := w.state == StateCancelled || !current
	w.mu.Unlock()

	if abandon {
		handle.Cancel()
	}
}

// Refetch fetches ignoring cached data, whatever policy was used before
func (w *Watcher) Refetch() {
	w.Fetch(core.NetworkOnly)
}

func (w *Watcher) complete(generation uint64, result *Result, err error) {
	id := w.query.ID()

	w.mu.Lock()
	if w.state == StateCancelled || generation != w.generation {
		w.mu.Unlock()
		w.metrics.StaleCompletion(id)
		w.logger.Debug("stale completion dropped", zap.Uint64("generation", generation))
		return
	}
	if err != nil || result == nil {
		w.dependentKeys = nil
	} else {
		w.dependentKeys = result.DependentKeys.Clone()
		if w.dependentKeys == nil {
			w.dependentKeys = core.NewKeySet()
		}
	}
	w.fetching = nil
	w.state = StateIdle
	w.mu.Unlock()

	w.metrics.FetchCompleted(id, err)
	if err != nil {
		w.logger.Warn("fetch failed, watcher paused until next fetch",
			zap.Uint64("generation", generation),
			zap.Error(err),
		)
	}

	w.dispatcher.Dispatch(func() {
		w.deliver(result, err)
	})
}

// deliver runs on the dispatcher. The state is checked again here because
// Cancel may have run while the delivery was queued.
func (w *Watcher) deliver(result *Result, err error) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	if w.State() == StateCancelled {
		return
	}
	w.deliverer.Store(goroutineID())
	defer w.deliverer.Store(0)
	w.handler(result, err)
}

// StoreChanged implements store.Subscriber. Commits tagged with this
// watcher's own origin are ignored, as are commits before any fetch has
// completed and commits that touch none of the dependent keys. Anything
// else triggers exactly one cache-first fetch.
func (w *Watcher) StoreChanged(changed core.KeySet, origin core.OriginToken) {
	id := w.query.ID()
	if origin == w.origin {
		w.metrics.NotificationHandled(id, metrics.OutcomeSelf)
		return
	}

	w.mu.Lock()
	if w.state == StateCancelled {
		w.mu.Unlock()
		w.metrics.NotificationHandled(id, metrics.OutcomeCancelled)
		return
	}
	if w.dependentKeys == nil {
		w.mu.Unlock()
		w.metrics.NotificationHandled(id, metrics.OutcomeNoKeys)
		return
	}
	relevant := w.dependentKeys.Intersects(changed)
	w.mu.Unlock()

	if !relevant {
		w.metrics.NotificationHandled(id, metrics.OutcomeDisjoint)
		return
	}
	w.metrics.NotificationHandled(id, metrics.OutcomeRefetch)
	w.logger.Debug("dependent keys changed", zap.Int("changed", changed.Len()))
	w.Fetch(core.CacheFirst)
}

// Cancel abandons any fetch in flight and unsubscribes from the store.
// If the handler is running on another goroutine, Cancel waits for it to
// return, so once Cancel returns the handler is neither running nor invoked
// again. Called from inside the handler it returns without waiting.
// Calling Cancel again has no effect.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	if w.state == StateCancelled {
		w.mu.Unlock()
		return
	}
	w.state = StateCancelled
	handle := w.fetching
	w.fetching = nil
	w.dependentKeys = nil
	w.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	// Wait out a delivery running elsewhere. A delivery that starts after
	// this sees the cancelled state and skips the handler.
	if id := w.deliverer.Load(); id == 0 || id != goroutineID() {
		w.deliverMu.Lock()
		w.deliverMu.Unlock()
	}
	w.store.Unsubscribe(w)
	w.stop()
	if client := w.client.Value(); client != nil {
		client.forget(w)
	}
	w.metrics.WatcherStopped(w.query.ID())
	w.logger.Debug("watcher cancelled")
}

// State returns the current lifecycle state
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// DependentKeys returns a copy of the keys recorded by the last completed
// fetch, or nil if there is none.
func (w *Watcher) DependentKeys() core.KeySet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dependentKeys.Clone()
}

// Origin returns the token this watcher tags its fetches with
func (w *Watcher) Origin() core.OriginToken {
	return w.origin
}

// Query returns the watched query
func (w *Watcher) Query() Query {
	return w.query
}
