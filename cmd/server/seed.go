package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yourusername/livequery/api"
	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/pkg/livequery"
	"github.com/yourusername/livequery/store"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const seedDebounce = 100 * time.Millisecond

// seedFile is the YAML data the server resolves queries from.
//
//	records:
//	  "User:1": {name: Ada}
//	queries:
//	  profile: ["User:1"]
type seedFile struct {
	Records map[core.CacheKey]core.Record `yaml:"records"`
	Queries map[string][]core.CacheKey    `yaml:"queries"`
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for key := range seed.Records {
		if key == "" {
			return nil, fmt.Errorf("parse seed file: %w", store.ErrInvalidKey)
		}
	}
	return &seed, nil
}

// seedResolver plays the role of the backing service: it answers network
// fetches from the current seed data.
type seedResolver struct {
	mu   sync.RWMutex
	seed *seedFile
}

var _ livequery.Resolver = (*seedResolver)(nil)

func newSeedResolver(seed *seedFile) *seedResolver {
	if seed == nil {
		seed = &seedFile{}
	}
	return &seedResolver{seed: seed}
}

// Resolve returns the seed records a KeysQuery names. Other queries get the
// whole data set. Keys absent from the seed are left out, so the read that
// follows reports a cache miss.
func (r *seedResolver) Resolve(ctx context.Context, query livequery.Query) (map[core.CacheKey]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	keysQuery, ok := query.(*livequery.KeysQuery)
	if !ok {
		out := make(map[core.CacheKey]core.Record, len(r.seed.Records))
		for key, record := range r.seed.Records {
			out[key] = record.Clone()
		}
		return out, nil
	}

	out := make(map[core.CacheKey]core.Record)
	for _, key := range keysQuery.Keys() {
		if record, ok := r.seed.Records[key]; ok {
			out[key] = record.Clone()
		}
	}
	return out, nil
}

func (r *seedResolver) replace(seed *seedFile) {
	r.mu.Lock()
	r.seed = seed
	r.mu.Unlock()
}

// Ensure seedResolver can back the /watch query lookup
var _ api.QueryLookup = (*seedResolver)(nil)

// Lookup implements api.QueryLookup over the named queries of the current
// seed, so a reload is visible to the next /watch connection.
func (r *seedResolver) Lookup(name string) (livequery.Query, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.seed.Queries[name]
	if !ok {
		return nil, false
	}
	return livequery.NewKeysQuery(name, keys...), true
}

// seedWatcher reloads the seed file when it changes on disk and commits the
// new records, so live queries over them refresh.
type seedWatcher struct {
	path     string
	resolver *seedResolver
	store    store.Store
	origin   core.OriginToken
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

func newSeedWatcher(path string, resolver *seedResolver, s store.Store, logger *zap.Logger) (*seedWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file instead of writing it
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &seedWatcher{
		path:     absPath,
		resolver: resolver,
		store:    s,
		origin:   core.NewOriginToken(),
		logger:   logger.With(zap.String("seed", absPath)),
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *seedWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("seed watch error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *seedWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(seedDebounce, w.reload)
		return
	}
	w.timer.Reset(seedDebounce)
}

func (w *seedWatcher) reload() {
	seed, err := loadSeed(w.path)
	if err != nil {
		w.logger.Warn("seed reload failed", zap.Error(err))
		return
	}
	w.resolver.replace(seed)
	if len(seed.Records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	changed, err := w.store.Commit(ctx, seed.Records, w.origin)
	if err != nil {
		w.logger.Warn("seed commit failed", zap.Error(err))
		return
	}
	w.logger.Info("seed reloaded",
		zap.Int("records", len(seed.Records)),
		zap.Int("changed", changed.Len()),
	)
}

func (w *seedWatcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
