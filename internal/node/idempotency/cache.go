// Package idempotency implements the node's executed-key set: a bounded,
// LRU-evicted record of idempotency keys the executor has started or
// finished, consulted before executing a newly delivered job.
package idempotency

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Capacity is the set's bound; the oldest entries are evicted once it
// fills.
const Capacity = 10_000

// Set is a concurrent-safe bounded record of executed idempotency keys.
// The zero value is not usable — construct with New.
//
// Known limitation (see DESIGN.md open question 1): the set is in-memory
// only and does not survive a node process restart.
type Set struct {
	cache *lru.Cache[string, struct{}]
}

// New builds a Set with the default capacity.
func New() *Set {
	c, err := lru.New[string, struct{}](Capacity)
	if err != nil {
		// Only returns an error for a non-positive size, which Capacity
		// never is.
		panic(err)
	}
	return &Set{cache: c}
}

// Contains reports whether key has already been started or finished.
func (s *Set) Contains(key string) bool {
	return s.cache.Contains(key)
}

// MarkStarted records key as started. The executor must call this before
// launching the worker, on first start rather than on completion, so
// in-flight duplicates of the same key are also suppressed.
func (s *Set) MarkStarted(key string) {
	s.cache.Add(key, struct{}{})
}

// Len returns the current number of tracked keys.
func (s *Set) Len() int {
	return s.cache.Len()
}
