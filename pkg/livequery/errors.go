package livequery

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNilQuery is returned when a watcher or fetch is requested without a query
	ErrNilQuery = errors.New("query cannot be nil")

	// ErrNilHandler is returned when a watcher is created without a result handler
	ErrNilHandler = errors.New("result handler cannot be nil")

	// ErrClientClosed is returned by operations on a closed client
	ErrClientClosed = errors.New("client is closed")

	// ErrCacheMiss is returned when the store cannot satisfy a query
	ErrCacheMiss = errors.New("query not satisfiable from cache")

	// ErrNoResolver is returned when a network fetch is needed but no resolver is configured
	ErrNoResolver = errors.New("no resolver configured")

	// ErrFetchCancelled is returned by Client.Fetch when its context ends first
	ErrFetchCancelled = errors.New("fetch cancelled")
)
