package livequery

import (
	"context"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/store"
)

// Query describes a read against the normalized store.
type Query interface {
	// ID names the query. Fetches of queries with the same ID may share a
	// single network load.
	ID() string

	// Read assembles the query result from the store and reports the keys
	// it was derived from. It returns an error wrapping ErrCacheMiss when a
	// record the query needs is absent.
	Read(ctx context.Context, r store.Reader) (data any, dependentKeys core.KeySet, err error)
}

// Source tells where a result came from
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result is one completed query execution
type Result struct {
	Data          any
	DependentKeys core.KeySet
	Source        Source
}

// CompletionFunc receives the outcome of one fetch
type CompletionFunc func(result *Result, err error)

// FetchHandle represents one outstanding fetch
type FetchHandle interface {
	// Cancel asks the fetcher to abandon the operation. It does not
	// guarantee the backing work stops, only that a completion which has
	// not started yet will not run.
	Cancel()
}

// FetchRequest carries everything a Fetcher needs for one execution
type FetchRequest struct {
	Query  Query
	Policy core.CachePolicy
	// Origin tags any store commit the fetch performs
	Origin core.OriginToken
}

// Fetcher executes queries.
//
// Fetch must return immediately. completion is invoked at most once, on any
// goroutine, and is not invoked when the handle was cancelled before the
// fetch finished.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, completion CompletionFunc) FetchHandle
}

// Resolver loads the records a query needs from the backing service
type Resolver interface {
	Resolve(ctx context.Context, query Query) (map[core.CacheKey]core.Record, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, query Query) (map[core.CacheKey]core.Record, error)

// Resolve calls f(ctx, query)
func (f ResolverFunc) Resolve(ctx context.Context, query Query) (map[core.CacheKey]core.Record, error) {
	return f(ctx, query)
}
