package store

import (
	"sync"

	"github.com/yourusername/livequery/core"
)

// subscriberSet is the registration table shared by store implementations.
// Notifications iterate over a snapshot, so a subscriber may unsubscribe
// itself (or another subscriber) from inside its callback.
type subscriberSet struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[Subscriber]struct{})}
}

func (s *subscriberSet) add(sub Subscriber) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
}

func (s *subscriberSet) remove(sub Subscriber) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *subscriberSet) contains(sub Subscriber) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[sub]
	return ok
}

func (s *subscriberSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *subscriberSet) clear() {
	s.mu.Lock()
	s.subs = make(map[Subscriber]struct{})
	s.mu.Unlock()
}

func (s *subscriberSet) notify(changed core.KeySet, origin core.OriginToken) {
	s.mu.RLock()
	snapshot := make([]Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		snapshot = append(snapshot, sub)
	}
	s.mu.RUnlock()

	for _, sub := range snapshot {
		// Skip anything removed by an earlier callback in this round
		if !s.contains(sub) {
			continue
		}
		sub.StoreChanged(changed, origin)
	}
}
