// Package volatile provides sets whose members expire after a per-entry TTL.
package volatile

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Set is a concurrency-safe set with expiring members. Expired members are
// dropped lazily on lookup and in bulk by Cleanup.
type Set[K comparable] struct {
	clock   clockwork.Clock
	mu      sync.RWMutex
	entries map[K]time.Time
}

// NewSet creates an empty set driven by clock
func NewSet[K comparable](clock clockwork.Clock) *Set[K] {
	return &Set[K]{
		clock:   clock,
		entries: make(map[K]time.Time),
	}
}

// Add inserts key for ttl, extending any existing expiry
func (s *Set[K]) Add(key K, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	expiry := s.clock.Now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.entries[key]; !ok || expiry.After(current) {
		s.entries[key] = expiry
	}
}

// Contains reports whether key is present and not expired
func (s *Set[K]) Contains(key K) bool {
	now := s.clock.Now()

	s.mu.RLock()
	expiry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if now.Before(expiry) {
		return true
	}

	s.mu.Lock()
	if current, ok := s.entries[key]; ok && !now.Before(current) {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return false
}

// Invalidate removes key
func (s *Set[K]) Invalidate(key K) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Cleanup drops every expired member and returns how many were removed
func (s *Set[K]) Cleanup() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of members, including ones not yet cleaned up
func (s *Set[K]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
