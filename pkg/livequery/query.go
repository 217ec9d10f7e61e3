package livequery

import (
	"context"
	"fmt"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/store"
)

// KeysQuery reads a fixed list of records. Its data is a
// map[core.CacheKey]core.Record and its dependent keys are exactly the
// listed keys.
type KeysQuery struct {
	id   string
	keys []core.CacheKey
}

// Ensure KeysQuery implements Query interface
var _ Query = (*KeysQuery)(nil)

// NewKeysQuery creates a query named id over keys
func NewKeysQuery(id string, keys ...core.CacheKey) *KeysQuery {
	copied := make([]core.CacheKey, len(keys))
	copy(copied, keys)
	return &KeysQuery{id: id, keys: copied}
}

// ID returns the query name
func (q *KeysQuery) ID() string {
	return q.id
}

// Keys returns the records the query reads
func (q *KeysQuery) Keys() []core.CacheKey {
	out := make([]core.CacheKey, len(q.keys))
	copy(out, q.keys)
	return out
}

// Read returns every listed record, or ErrCacheMiss if any is absent
func (q *KeysQuery) Read(ctx context.Context, r store.Reader) (any, core.KeySet, error) {
	data := make(map[core.CacheKey]core.Record, len(q.keys))
	for _, key := range q.keys {
		record, ok, err := r.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: missing %s", ErrCacheMiss, key)
		}
		data[key] = record
	}
	return data, core.NewKeySet(q.keys...), nil
}
