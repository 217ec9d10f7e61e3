package store

import (
	"context"
	"sync"

	"github.com/yourusername/livequery/core"
)

// MemoryStore provides thread-safe in-memory record storage
type MemoryStore struct {
	mu      sync.RWMutex
	records map[core.CacheKey]core.Record
	closed  bool

	// notifyMu keeps notifications in commit order without holding mu
	// while subscribers run.
	notifyMu    sync.Mutex
	subscribers *subscriberSet
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[core.CacheKey]core.Record),
		subscribers: newSubscriberSet(),
	}
}

// Get retrieves a copy of the record for a given key
func (s *MemoryStore) Get(ctx context.Context, key core.CacheKey) (core.Record, bool, error) {
	if key == "" {
		return nil, false, ErrInvalidKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	record, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

// Commit merges records and notifies subscribers of the keys that changed
func (s *MemoryStore) Commit(ctx context.Context, records map[core.CacheKey]core.Record, origin core.OriginToken) (core.KeySet, error) {
	if err := validateRecords(records); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	changed := core.NewKeySet()
	for key, incoming := range records {
		current, exists := s.records[key]
		merged, didChange := mergeRecord(current, incoming, exists)
		if didChange {
			s.records[key] = merged
			changed.Add(key)
		}
	}
	// Hand over from the data lock to the notify lock so a later commit
	// cannot notify ahead of this one.
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if changed.Len() > 0 {
		s.subscribers.notify(changed, origin)
	}
	return changed.Clone(), nil
}

// Subscribe registers sub for commit notifications
func (s *MemoryStore) Subscribe(sub Subscriber) {
	s.subscribers.add(sub)
}

// Unsubscribe removes sub; safe to call from inside a notification
func (s *MemoryStore) Unsubscribe(sub Subscriber) {
	s.subscribers.remove(sub)
}

// SubscriberCount returns the number of registered subscribers
func (s *MemoryStore) SubscriberCount() int {
	return s.subscribers.count()
}

// Count returns the number of stored records
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close drops all records and subscribers
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.records = make(map[core.CacheKey]core.Record)
	s.mu.Unlock()
	s.subscribers.clear()
	return nil
}
