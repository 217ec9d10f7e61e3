package core

import "sort"

// KeySet is a set of cache keys. It serves as both the ChangeSet of a
// commit and the DependentKeySet of a query result. A nil KeySet is empty.
type KeySet map[CacheKey]struct{}

// NewKeySet builds a set from the given keys
func NewKeySet(keys ...CacheKey) KeySet {
	set := make(KeySet, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

// Add inserts key into the set
func (s KeySet) Add(key CacheKey) {
	s[key] = struct{}{}
}

// Contains reports whether key is in the set
func (s KeySet) Contains(key CacheKey) bool {
	_, ok := s[key]
	return ok
}

// Len returns the number of keys
func (s KeySet) Len() int {
	return len(s)
}

// Intersects reports whether s and other share at least one key
func (s KeySet) Intersects(other KeySet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for key := range small {
		if _, ok := large[key]; ok {
			return true
		}
	}
	return false
}

// Union adds every key of other to s
func (s KeySet) Union(other KeySet) {
	for key := range other {
		s[key] = struct{}{}
	}
}

// Clone returns an independent copy; cloning nil yields nil
func (s KeySet) Clone() KeySet {
	if s == nil {
		return nil
	}
	out := make(KeySet, len(s))
	for key := range s {
		out[key] = struct{}{}
	}
	return out
}

// Sorted returns the keys in lexical order
func (s KeySet) Sorted() []CacheKey {
	keys := make([]CacheKey, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
