package livequery

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/store"
)

// fakeFetch is one request captured by fakeFetcher. complete calls the
// completion even after Cancel, which models a completion racing the cancel.
type fakeFetch struct {
	req        FetchRequest
	completion CompletionFunc
	cancelled  atomic.Bool
}

func (f *fakeFetch) Cancel() {
	f.cancelled.Store(true)
}

func (f *fakeFetch) complete(result *Result, err error) {
	f.completion(result, err)
}

// fakeFetcher records fetches and leaves completing them to the test
type fakeFetcher struct {
	mu      sync.Mutex
	fetches []*fakeFetch
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest, completion CompletionFunc) FetchHandle {
	fetch := &fakeFetch{req: req, completion: completion}
	f.mu.Lock()
	f.fetches = append(f.fetches, fetch)
	f.mu.Unlock()
	return fetch
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeFetcher) last() *fakeFetch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fetches) == 0 {
		return nil
	}
	return f.fetches[len(f.fetches)-1]
}

// resultRecorder is a ResultHandler that keeps every delivery
type resultRecorder struct {
	mu      sync.Mutex
	results []*Result
	errs    []error
}

func (r *resultRecorder) handle(result *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	r.errs = append(r.errs, err)
}

func (r *resultRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *resultRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

var inline = DispatcherFunc(func(fn func()) { fn() })

type watcherFixture struct {
	client   *Client
	store    *store.MemoryStore
	fetcher  *fakeFetcher
	recorder *resultRecorder
	watcher  *Watcher
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()

	s := store.NewMemoryStore()
	fetcher := &fakeFetcher{}
	client, err := NewClient(
		WithStore(s),
		WithFetcher(fetcher),
		WithDispatcher(inline),
	)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	recorder := &resultRecorder{}
	watcher, err := client.NewWatcher(NewKeysQuery("feed", "User:1", "Post:5"), recorder.handle)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	return &watcherFixture{
		client:   client,
		store:    s,
		fetcher:  fetcher,
		recorder: recorder,
		watcher:  watcher,
	}
}

// settle issues a fetch and completes it with keys
func (f *watcherFixture) settle(t *testing.T, keys ...core.CacheKey) {
	t.Helper()
	f.watcher.Fetch(core.CacheFirst)
	f.fetcher.last().complete(&Result{DependentKeys: core.NewKeySet(keys...)}, nil)
	if f.watcher.State() != StateIdle {
		t.Fatalf("State() = %v, want %v", f.watcher.State(), StateIdle)
	}
}

func TestWatcher_NewWatcherSubscribesWithoutFetching(t *testing.T) {
	f := newWatcherFixture(t)

	if f.fetcher.count() != 0 {
		t.Errorf("fetch count = %d, want 0", f.fetcher.count())
	}
	if f.store.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", f.store.SubscriberCount())
	}
	if f.watcher.State() != StateIdle {
		t.Errorf("State() = %v, want %v", f.watcher.State(), StateIdle)
	}
	if f.watcher.DependentKeys() != nil {
		t.Errorf("DependentKeys() = %v, want nil", f.watcher.DependentKeys())
	}
	if f.watcher.Origin().IsZero() {
		t.Error("Origin() is empty")
	}
}

func TestWatcher_FetchTagsRequest(t *testing.T) {
	f := newWatcherFixture(t)

	f.watcher.Fetch(core.CacheOnly)

	fetch := f.fetcher.last()
	if fetch == nil {
		t.Fatal("no fetch issued")
	}
	if fetch.req.Policy != core.CacheOnly {
		t.Errorf("Policy = %v, want %v", fetch.req.Policy, core.CacheOnly)
	}
	if fetch.req.Origin != f.watcher.Origin() {
		t.Errorf("Origin = %s, want %s", fetch.req.Origin, f.watcher.Origin())
	}
	if fetch.req.Query != f.watcher.Query() {
		t.Error("request carries a different query")
	}
	if f.watcher.State() != StateFetching {
		t.Errorf("State() = %v, want %v", f.watcher.State(), StateFetching)
	}
}

func TestWatcher_CompletionRecordsKeysAndDelivers(t *testing.T) {
	f := newWatcherFixture(t)

	f.settle(t, "User:1", "Post:5")

	keys := f.watcher.DependentKeys()
	if keys.Len() != 2 || !keys.Contains("User:1") || !keys.Contains("Post:5") {
		t.Errorf("DependentKeys() = %v, want {User:1, Post:5}", keys.Sorted())
	}
	if f.recorder.calls() != 1 {
		t.Errorf("handler calls = %d, want 1", f.recorder.calls())
	}
}

func TestWatcher_StoreChanged(t *testing.T) {
	foreign := core.NewOriginToken()

	tests := []struct {
		name       string
		changed    []core.CacheKey
		self       bool
		wantFetch  bool
		wantPolicy core.CachePolicy
	}{
		{
			name:      "disjoint keys",
			changed:   []core.CacheKey{"Comment:9"},
			wantFetch: false,
		},
		{
			name:       "intersecting keys",
			changed:    []core.CacheKey{"Post:5"},
			wantFetch:  true,
			wantPolicy: core.CacheFirst,
		},
		{
			name:       "superset of keys",
			changed:    []core.CacheKey{"Post:5", "User:1", "Comment:9"},
			wantFetch:  true,
			wantPolicy: core.CacheFirst,
		},
		{
			name:      "own origin",
			changed:   []core.CacheKey{"User:1"},
			self:      true,
			wantFetch: false,
		},
		{
			name:      "empty change set",
			changed:   nil,
			wantFetch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWatcherFixture(t)
			f.settle(t, "User:1", "Post:5")
			before := f.fetcher.count()

			origin := foreign
			if tt.self {
				origin = f.watcher.Origin()
			}
			f.watcher.StoreChanged(core.NewKeySet(tt.changed...), origin)

			issued := f.fetcher.count() - before
			if !tt.wantFetch {
				if issued != 0 {
					t.Errorf("fetches issued = %d, want 0", issued)
				}
				return
			}
			if issued != 1 {
				t.Fatalf("fetches issued = %d, want 1", issued)
			}
			if got := f.fetcher.last().req.Policy; got != tt.wantPolicy {
				t.Errorf("Policy = %v, want %v", got, tt.wantPolicy)
			}
		})
	}
}

func TestWatcher_ForeignAndSelfCommitScenario(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t)
	f.settle(t, "User:1", "Post:5")
	before := f.fetcher.count()

	// A foreign commit to Post:5 triggers exactly one fetch
	if _, err := f.store.Commit(ctx, map[core.CacheKey]core.Record{
		"Post:5": {"title": "edited"},
	}, core.NewOriginToken()); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if got := f.fetcher.count() - before; got != 1 {
		t.Fatalf("fetches after foreign commit = %d, want 1", got)
	}
	f.fetcher.last().complete(&Result{DependentKeys: core.NewKeySet("User:1", "Post:5")}, nil)

	// A commit tagged with the watcher's own origin triggers none
	if _, err := f.store.Commit(ctx, map[core.CacheKey]core.Record{
		"User:1": {"name": "Ada"},
	}, f.watcher.Origin()); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if got := f.fetcher.count() - before; got != 1 {
		t.Errorf("fetches after own commit = %d, want 1", got)
	}
}

func TestWatcher_IgnoresChangesBeforeFirstCompletion(t *testing.T) {
	f := newWatcherFixture(t)

	f.watcher.StoreChanged(core.NewKeySet("User:1"), core.NewOriginToken())
	if f.fetcher.count() != 0 {
		t.Errorf("fetch count = %d, want 0 before any fetch", f.fetcher.count())
	}

	// Still nothing while the first fetch is in flight
	f.watcher.Fetch(core.CacheFirst)
	f.watcher.StoreChanged(core.NewKeySet("User:1"), core.NewOriginToken())
	if f.fetcher.count() != 1 {
		t.Errorf("fetch count = %d, want 1 while first fetch in flight", f.fetcher.count())
	}
}

func TestWatcher_ErrorClearsDependentKeys(t *testing.T) {
	f := newWatcherFixture(t)
	f.settle(t, "User:1", "Post:5")

	f.watcher.Refetch()
	fetchErr := errors.New("upstream unavailable")
	f.fetcher.last().complete(nil, fetchErr)

	if !errors.Is(f.recorder.lastErr(), fetchErr) {
		t.Errorf("handler error = %v, want %v", f.recorder.lastErr(), fetchErr)
	}
	if f.watcher.DependentKeys() != nil {
		t.Errorf("DependentKeys() = %v, want nil after error", f.watcher.DependentKeys())
	}
	if f.watcher.State() != StateIdle {
		t.Errorf("State() = %v, want %v", f.watcher.State(), StateIdle)
	}

	before := f.fetcher.count()
	f.watcher.StoreChanged(core.NewKeySet("User:1"), core.NewOriginToken())
	if f.fetcher.count() != before {
		t.Errorf("fetch count = %d, want %d after error", f.fetcher.count(), before)
	}

	// An explicit fetch resumes tracking
	f.settle(t, "User:1")
	f.watcher.StoreChanged(core.NewKeySet("User:1"), core.NewOriginToken())
	if f.fetcher.count() != before+2 {
		t.Errorf("fetch count = %d, want %d after recovery", f.fetcher.count(), before+2)
	}
}

func TestWatcher_EmptyResultKeysNeverRefetch(t *testing.T) {
	f := newWatcherFixture(t)

	f.watcher.Fetch(core.CacheFirst)
	f.fetcher.last().complete(&Result{Data: "constant"}, nil)

	keys := f.watcher.DependentKeys()
	if keys == nil || keys.Len() != 0 {
		t.Errorf("DependentKeys() = %v, want empty set", keys)
	}

	f.watcher.StoreChanged(core.NewKeySet("User:1"), core.NewOriginToken())
	if f.fetcher.count() != 1 {
		t.Errorf("fetch count = %d, want 1", f.fetcher.count())
	}
}

func TestWatcher_CancelDuringFlight(t *testing.T) {
	f := newWatcherFixture(t)

	f.watcher.Fetch(core.CacheFirst)
	inFlight := f.fetcher.last()

	f.watcher.Cancel()

	if !inFlight.cancelled.Load() {
		t.Error("in-flight fetch was not cancelled")
	}

	// The completion arrives anyway
	inFlight.complete(&Result{DependentKeys: core.NewKeySet("User:1")}, nil)

	if f.recorder.calls() != 0 {
		t.Errorf("handler calls = %d, want 0", f.recorder.calls())
	}
	if f.watcher.State() != StateCancelled {
		t.Errorf("State() = %v, want %v", f.watcher.State(), StateCancelled)
	}
	if f.watcher.DependentKeys() != nil {
		t.Errorf("DependentKeys() = %v, want nil", f.watcher.DependentKeys())
	}
}

func TestWatcher_NoFetchAfterCancel(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t)
	f.settle(t, "User:1", "Post:5")

	f.watcher.Cancel()
	before := f.fetcher.count()

	if f.store.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", f.store.SubscriberCount())
	}

	if _, err := f.store.Commit(ctx, map[core.CacheKey]core.Record{
		"User:1": {"name": "changed"},
	}, core.NewOriginToken()); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	f.watcher.StoreChanged(core.NewKeySet("User:1"), core.NewOriginToken())
	f.watcher.Fetch(core.CacheFirst)
	f.watcher.Refetch()

	if f.fetcher.count() != before {
		t.Errorf("fetch count = %d, want %d after cancel", f.fetcher.count(), before)
	}
	if f.client.WatcherCount() != 0 {
		t.Errorf("WatcherCount() = %d, want 0", f.client.WatcherCount())
	}
}

func TestWatcher_CancelIsIdempotent(t *testing.T) {
	f := newWatcherFixture(t)
	f.watcher.Fetch(core.CacheFirst)

	f.watcher.Cancel()
	f.watcher.Cancel()

	if f.watcher.State() != StateCancelled {
		t.Errorf("State() = %v, want %v", f.watcher.State(), StateCancelled)
	}
}

func TestWatcher_CancelFromHandler(t *testing.T) {
	f := newWatcherFixture(t)

	var w *Watcher
	calls := 0
	w, err := f.client.NewWatcher(NewKeysQuery("once", "User:1"), func(*Result, error) {
		calls++
		w.Cancel()
	})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	w.Fetch(core.CacheFirst)
	f.fetcher.last().complete(&Result{DependentKeys: core.NewKeySet("User:1")}, nil)

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if w.State() != StateCancelled {
		t.Errorf("State() = %v, want %v", w.State(), StateCancelled)
	}
}

func TestWatcher_RefetchIsNetworkOnly(t *testing.T) {
	policies := []core.CachePolicy{core.CacheFirst, core.CacheOnly, core.NetworkOnly}

	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			f := newWatcherFixture(t)
			f.watcher.Fetch(policy)
			f.fetcher.last().complete(&Result{}, nil)

			f.watcher.Refetch()

			if got := f.fetcher.last().req.Policy; got != core.NetworkOnly {
				t.Errorf("Refetch() policy = %v, want %v", got, core.NetworkOnly)
			}
		})
	}
}

func TestWatcher_SupersededFetchIsDropped(t *testing.T) {
	f := newWatcherFixture(t)

	f.watcher.Fetch(core.CacheFirst)
	older := f.fetcher.last()
	f.watcher.Refetch()
	newer := f.fetcher.last()

	if !older.cancelled.Load() {
		t.Error("superseded fetch was not cancelled")
	}
	if newer.cancelled.Load() {
		t.Error("current fetch was cancelled")
	}

	newer.complete(&Result{DependentKeys: core.NewKeySet("Post:5")}, nil)
	// The older completion arrives late and must not overwrite anything
	older.complete(&Result{DependentKeys: core.NewKeySet("User:1")}, nil)

	keys := f.watcher.DependentKeys()
	if keys.Len() != 1 || !keys.Contains("Post:5") {
		t.Errorf("DependentKeys() = %v, want {Post:5}", keys.Sorted())
	}
	if f.recorder.calls() != 1 {
		t.Errorf("handler calls = %d, want 1", f.recorder.calls())
	}
}

func TestWatcher_DependentKeysIsCopy(t *testing.T) {
	f := newWatcherFixture(t)
	f.settle(t, "User:1")

	keys := f.watcher.DependentKeys()
	keys.Add("Post:5")

	if f.watcher.DependentKeys().Contains("Post:5") {
		t.Error("mutating DependentKeys() result changed watcher state")
	}
}

func TestWatcher_ReleasedClientMakesFetchNoop(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	fetcher := &fakeFetcher{}

	w := func() *Watcher {
		client, err := NewClient(WithStore(s), WithFetcher(fetcher), WithDispatcher(inline))
		if err != nil {
			t.Fatalf("NewClient() failed: %v", err)
		}
		w, err := client.NewWatcher(NewKeysQuery("orphan", "User:1"), func(*Result, error) {})
		if err != nil {
			t.Fatalf("NewWatcher() failed: %v", err)
		}
		return w
	}()

	for i := 0; i < 5 && w.client.Value() != nil; i++ {
		runtime.GC()
	}
	if w.client.Value() != nil {
		t.Skip("client not collected")
	}

	w.Fetch(core.CacheFirst)
	if fetcher.count() != 0 {
		t.Errorf("fetch count = %d, want 0 after client release", fetcher.count())
	}

	// Cancel still unsubscribes
	w.Cancel()
	if s.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", s.SubscriberCount())
	}
}

func TestWatcher_ConcurrentNotifications(t *testing.T) {
	f := newWatcherFixture(t)
	f.settle(t, "User:1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.watcher.StoreChanged(core.NewKeySet("User:1"), core.NewOriginToken())
		}()
	}
	wg.Wait()

	// Every relevant notification fetches; all but the newest are superseded
	if f.fetcher.count() != 21 {
		t.Errorf("fetch count = %d, want 21", f.fetcher.count())
	}

	cancelled := 0
	f.fetcher.mu.Lock()
	for _, fetch := range f.fetcher.fetches[1:] {
		if fetch.cancelled.Load() {
			cancelled++
		}
	}
	f.fetcher.mu.Unlock()
	if cancelled != 19 {
		t.Errorf("superseded fetches cancelled = %d, want 19", cancelled)
	}
	if f.watcher.State() != StateFetching {
		t.Errorf("State() = %v, want %v", f.watcher.State(), StateFetching)
	}
}

func TestWatcher_NoHandlerAfterCancelReturns(t *testing.T) {
	f := newWatcherFixture(t)

	iterations := 20000
	if testing.Short() {
		iterations = 2000
	}

	var late atomic.Int64
	for i := 0; i < iterations; i++ {
		var cancelReturned atomic.Bool
		w, err := f.client.NewWatcher(NewKeysQuery("race", "User:1"), func(*Result, error) {
			if cancelReturned.Load() {
				late.Add(1)
			}
			runtime.Gosched()
			if cancelReturned.Load() {
				late.Add(1)
			}
		})
		if err != nil {
			t.Fatalf("NewWatcher() failed: %v", err)
		}
		w.Fetch(core.CacheFirst)
		fetch := f.fetcher.last()

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			fetch.complete(&Result{DependentKeys: core.NewKeySet("User:1")}, nil)
		}()
		go func() {
			defer wg.Done()
			<-start
			w.Cancel()
			cancelReturned.Store(true)
		}()
		close(start)
		wg.Wait()
	}

	if n := late.Load(); n != 0 {
		t.Errorf("handler observed a returned Cancel %d times, want 0", n)
	}
}

func TestWatcher_CancelWaitsForRunningHandler(t *testing.T) {
	f := newWatcherFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	w, err := f.client.NewWatcher(NewKeysQuery("slow", "User:1"), func(*Result, error) {
		close(entered)
		<-release
	})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	w.Fetch(core.CacheFirst)
	fetch := f.fetcher.last()

	go fetch.complete(&Result{DependentKeys: core.NewKeySet("User:1")}, nil)
	<-entered

	cancelled := make(chan struct{})
	go func() {
		w.Cancel()
		close(cancelled)
	}()

	select {
	case <-cancelled:
		t.Fatal("Cancel() returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Cancel() did not return after the handler finished")
	}
	if w.State() != StateCancelled {
		t.Errorf("State() = %v, want %v", w.State(), StateCancelled)
	}
}
