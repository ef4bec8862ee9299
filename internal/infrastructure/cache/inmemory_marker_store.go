// Package cache holds the process-local caches of the aggregation
// service: the formula cache and the duplicate-marker stores.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/metermesh/aggregator/internal/domain/shared"
)

// markerEntry represents a stored dedup key with expiration
type markerEntry struct {
	expiresAt time.Time
}

// InMemoryMarkerStore implements MarkerStore using an in-memory map.
// This is suitable for single-instance deployments and testing.
type InMemoryMarkerStore struct {
	mu        sync.RWMutex
	entries   map[string]markerEntry
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryMarkerStore creates a new in-memory marker store.
// It starts a background goroutine to clean up expired entries.
func NewInMemoryMarkerStore() *InMemoryMarkerStore {
	store := &InMemoryMarkerStore{
		entries:  make(map[string]markerEntry),
		stopChan: make(chan struct{}),
	}

	store.wg.Add(1)
	go store.cleanupLoop()

	return store
}

// MarkProcessed marks a dedup key as processed with a TTL.
// Returns true if the key was newly marked, false if it was already processed.
func (s *InMemoryMarkerStore) MarkProcessed(ctx context.Context, dedupKey string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[dedupKey]; exists {
		if time.Now().Before(e.expiresAt) {
			return false, nil // Already processed
		}
		// Entry exists but expired, will be overwritten
	}

	s.entries[dedupKey] = markerEntry{
		expiresAt: time.Now().Add(ttl),
	}

	return true, nil
}

// IsProcessed checks if a dedup key has already been processed.
func (s *InMemoryMarkerStore) IsProcessed(ctx context.Context, dedupKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[dedupKey]
	if !exists {
		return false, nil
	}

	if time.Now().After(e.expiresAt) {
		return false, nil // Expired, treat as not processed
	}

	return true, nil
}

// Close stops the cleanup goroutine and releases resources.
// Safe to call multiple times.
func (s *InMemoryMarkerStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// cleanupLoop periodically removes expired entries
func (s *InMemoryMarkerStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired entries from the store
func (s *InMemoryMarkerStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Size returns the number of entries in the store (for testing/monitoring)
func (s *InMemoryMarkerStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ensure InMemoryMarkerStore implements MarkerStore
var _ shared.MarkerStore = (*InMemoryMarkerStore)(nil)
