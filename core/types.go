package core

import (
	"fmt"

	"github.com/google/uuid"
)

// CacheKey identifies one normalized record in the store (e.g. "User:1")
type CacheKey string

// Record holds the fields of one normalized record
type Record map[string]any

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for field, value := range r {
		out[field] = value
	}
	return out
}

// CachePolicy selects how a fetch uses the store
type CachePolicy int

const (
	// CacheFirst serves from the store when the query is fully satisfiable, otherwise fetches
	CacheFirst CachePolicy = iota
	// NetworkOnly ignores cached data and always fetches
	NetworkOnly
	// CacheOnly serves from the store and never fetches
	CacheOnly
)

func (p CachePolicy) String() string {
	switch p {
	case CacheFirst:
		return "cache-first"
	case NetworkOnly:
		return "network-only"
	case CacheOnly:
		return "cache-only"
	default:
		return fmt.Sprintf("CachePolicy(%d)", int(p))
	}
}

// ParseCachePolicy accepts the names produced by String, plus the long
// form "cache-first-fallback-network".
func ParseCachePolicy(value string) (CachePolicy, error) {
	switch value {
	case "cache-first", "cache-first-fallback-network", "":
		return CacheFirst, nil
	case "network-only":
		return NetworkOnly, nil
	case "cache-only":
		return CacheOnly, nil
	default:
		return CacheFirst, fmt.Errorf("unknown cache policy %q", value)
	}
}

// OriginToken tags a commit with the watcher whose fetch caused it.
// The zero value means "no origin".
type OriginToken string

// NoOrigin marks commits not caused by any watcher
const NoOrigin OriginToken = ""

// NewOriginToken returns a token that is unique across watchers and processes.
// Tokens are time-ordered v7 UUIDs; uuid.New is the fallback if the v7
// generator fails.
func NewOriginToken() OriginToken {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return OriginToken(id.String())
}

// IsZero reports whether the token is NoOrigin
func (t OriginToken) IsZero() bool {
	return t == NoOrigin
}
