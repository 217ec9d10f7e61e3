package livequery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/store"
	"golang.org/x/sync/singleflight"
)

// StoreFetcher executes queries against a Store, falling back to a Resolver
// for data the store cannot supply. Records loaded from the resolver are
// committed to the store tagged with the request's origin before the result
// is read back.
type StoreFetcher struct {
	store    store.Store
	resolver Resolver
	timeout  time.Duration
	group    singleflight.Group
}

// Ensure StoreFetcher implements Fetcher interface
var _ Fetcher = (*StoreFetcher)(nil)

// NewStoreFetcher creates a fetcher over s. resolver may be nil, in which
// case network fetches fail with ErrNoResolver. timeout bounds each fetch
// (0 = no limit).
func NewStoreFetcher(s store.Store, resolver Resolver, timeout time.Duration) *StoreFetcher {
	return &StoreFetcher{
		store:    s,
		resolver: resolver,
		timeout:  timeout,
	}
}

const (
	handlePending int32 = iota
	handleDone
	handleCancelled
)

// fetchHandle settles exactly once: either the completion runs or Cancel wins
type fetchHandle struct {
	state  atomic.Int32
	cancel context.CancelFunc
}

func (h *fetchHandle) Cancel() {
	if h.state.CompareAndSwap(handlePending, handleCancelled) {
		h.cancel()
	}
}

func (h *fetchHandle) settle() bool {
	return h.state.CompareAndSwap(handlePending, handleDone)
}

// Fetch starts the query on its own goroutine and returns immediately
func (f *StoreFetcher) Fetch(ctx context.Context, req FetchRequest, completion CompletionFunc) FetchHandle {
	fetchCtx, cancel := context.WithCancel(ctx)
	handle := &fetchHandle{cancel: cancel}

	go func() {
		defer cancel()
		runCtx := fetchCtx
		if f.timeout > 0 {
			var stop context.CancelFunc
			runCtx, stop = context.WithTimeout(fetchCtx, f.timeout)
			defer stop()
		}

		result, err := f.execute(runCtx, req)

		// The caller's context ending counts as cancellation too
		if ctx.Err() != nil {
			return
		}
		if !handle.settle() {
			return
		}
		if completion != nil {
			completion(result, err)
		}
	}()

	return handle
}

func (f *StoreFetcher) execute(ctx context.Context, req FetchRequest) (*Result, error) {
	if req.Query == nil {
		return nil, ErrNilQuery
	}

	if req.Policy != core.NetworkOnly {
		data, keys, err := req.Query.Read(ctx, f.store)
		if err == nil {
			return &Result{Data: data, DependentKeys: keys, Source: SourceCache}, nil
		}
		if !errors.Is(err, ErrCacheMiss) || req.Policy == core.CacheOnly {
			return nil, err
		}
	}

	records, err := f.resolve(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		if _, err := f.store.Commit(ctx, records, req.Origin); err != nil {
			return nil, fmt.Errorf("commit resolved records: %w", err)
		}
	}

	data, keys, err := req.Query.Read(ctx, f.store)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, DependentKeys: keys, Source: SourceNetwork}, nil
}

// resolve collapses concurrent loads of the same query ID. The shared load
// is detached from any single caller so one cancellation does not fail the
// others.
func (f *StoreFetcher) resolve(ctx context.Context, query Query) (map[core.CacheKey]core.Record, error) {
	if f.resolver == nil {
		return nil, ErrNoResolver
	}

	ch := f.group.DoChan(query.ID(), func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		if f.timeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, f.timeout)
			defer cancel()
		}
		return f.resolver.Resolve(loadCtx, query)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		records, _ := res.Val.(map[core.CacheKey]core.Record)
		return records, nil
	}
}
