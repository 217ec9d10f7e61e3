package store

import (
	"context"
	"errors"
	"reflect"

	"github.com/yourusername/livequery/core"
)

var (
	// ErrInvalidKey is returned when a record key is empty
	ErrInvalidKey = errors.New("cache key cannot be empty")

	// ErrStoreClosed is returned by operations on a closed store
	ErrStoreClosed = errors.New("store is closed")
)

// Subscriber receives one notification per store commit. StoreChanged may be
// called from any goroutine and must not block. The changed set is shared
// between subscribers and must be treated as read-only.
//
// Subscribers are compared by identity, so implementations should be pointers.
type Subscriber interface {
	StoreChanged(changed core.KeySet, origin core.OriginToken)
}

// Reader is the read side of a Store
type Reader interface {
	// Get returns the record stored under key; ok is false on a miss.
	Get(ctx context.Context, key core.CacheKey) (core.Record, bool, error)
}

// Store is a shared normalized record cache with commit notifications
type Store interface {
	Reader

	// Commit merges records field by field and notifies subscribers with the
	// keys whose contents changed, tagged with origin. Commits with no
	// effective change produce no notification.
	Commit(ctx context.Context, records map[core.CacheKey]core.Record, origin core.OriginToken) (core.KeySet, error)

	// Subscribe registers sub for future commits. Subscribing twice is a no-op.
	Subscribe(sub Subscriber)

	// Unsubscribe deregisters sub. It is safe to call from inside StoreChanged.
	Unsubscribe(sub Subscriber)

	// Close releases the store's resources
	Close() error
}

// mergeRecord overlays incoming fields on current. changed reports whether
// any field value differs from what was stored.
func mergeRecord(current, incoming core.Record, exists bool) (core.Record, bool) {
	merged := current.Clone()
	if merged == nil {
		merged = make(core.Record, len(incoming))
	}
	changed := !exists
	for field, value := range incoming {
		previous, had := merged[field]
		if !had || !reflect.DeepEqual(previous, value) {
			changed = true
		}
		merged[field] = value
	}
	return merged, changed
}

func validateRecords(records map[core.CacheKey]core.Record) error {
	for key := range records {
		if key == "" {
			return ErrInvalidKey
		}
	}
	return nil
}
