package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/metermesh/aggregator/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// RedisMarkerStore implements MarkerStore using Redis.
// This is suitable for distributed deployments where multiple aggregator
// instances need to share duplicate-detection state.
type RedisMarkerStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisMarkerStore creates a new Redis-based marker store
func NewRedisMarkerStore(cfg RedisConfig) (*RedisMarkerStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisMarkerStore{
		client:    client,
		keyPrefix: "usage:marker:",
	}, nil
}

// NewRedisMarkerStoreWithClient creates a store with an existing Redis client.
// This is useful for testing or when sharing a client across components.
func NewRedisMarkerStoreWithClient(client *redis.Client, keyPrefix string) *RedisMarkerStore {
	if keyPrefix == "" {
		keyPrefix = "usage:marker:"
	}
	return &RedisMarkerStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// MarkProcessed marks a dedup key as processed with a TTL.
// Returns true if the key was newly marked, false if it was already processed.
// Uses SETNX (SET if Not eXists) for atomic operation.
func (s *RedisMarkerStore) MarkProcessed(ctx context.Context, dedupKey string, ttl time.Duration) (bool, error) {
	key := s.keyPrefix + dedupKey

	result, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark usage as processed: %w", err)
	}

	return result, nil
}

// IsProcessed checks if a dedup key has already been processed.
func (s *RedisMarkerStore) IsProcessed(ctx context.Context, dedupKey string) (bool, error) {
	key := s.keyPrefix + dedupKey

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if usage is processed: %w", err)
	}

	return exists > 0, nil
}

// Close closes the Redis client
func (s *RedisMarkerStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (s *RedisMarkerStore) GetClient() *redis.Client {
	return s.client
}

// Ensure RedisMarkerStore implements MarkerStore
var _ shared.MarkerStore = (*RedisMarkerStore)(nil)
