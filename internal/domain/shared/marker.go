package shared

import (
	"context"
	"time"
)

// MarkerStore registers duplicate-detection markers so the same usage
// occurrence is never folded into the aggregation twice.
type MarkerStore interface {
	// MarkProcessed marks a dedup key as processed with a TTL.
	// Returns true if the key was newly marked, false if it was already processed.
	MarkProcessed(ctx context.Context, dedupKey string, ttl time.Duration) (bool, error)

	// IsProcessed checks if a dedup key has already been processed.
	IsProcessed(ctx context.Context, dedupKey string) (bool, error)

	// Close closes the store and releases resources.
	Close() error
}

// MarkerConfig holds configuration for duplicate-marker handling
type MarkerConfig struct {
	// TTL is the time-to-live for fast-path markers. The durable marker
	// row in the database outlives it.
	// Default: 24 hours
	TTL time.Duration

	// Enabled determines whether fast-path duplicate checking is enabled
	// Default: true
	Enabled bool
}

// DefaultMarkerConfig returns the default marker configuration
func DefaultMarkerConfig() MarkerConfig {
	return MarkerConfig{
		TTL:     24 * time.Hour,
		Enabled: true,
	}
}
