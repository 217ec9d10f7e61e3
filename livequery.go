package livequery

import (
	"github.com/yourusername/livequery/pkg/livequery"
)

// Re-export main types for convenience
type (
	Client   = livequery.Client
	Watcher  = livequery.Watcher
	Query    = livequery.Query
	Result   = livequery.Result
	Config   = livequery.Config
	Option   = livequery.Option
	Resolver = livequery.Resolver
)

// NewClient creates a new live query client
var NewClient = livequery.NewClient

// NewKeysQuery creates a query over a fixed list of records
var NewKeysQuery = livequery.NewKeysQuery
