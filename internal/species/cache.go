package species

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rpattn/biosurvey/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const snapshotKey = "biosurvey:species:snapshot"

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Cache keeps the last snapshot of a Source in Redis for ttl. Redis failures
// are logged and fall through to the source.
type Cache struct {
	client *redis.Client
	source Source
	ttl    time.Duration
}

// NewCache wraps source with a Redis-backed cache.
func NewCache(client *redis.Client, source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, source: source, ttl: ttl}
}

// Snapshot returns the cached mapping, refreshing it from the source on a miss.
func (c *Cache) Snapshot(ctx context.Context) (map[string]int, error) {
	data, err := c.client.Get(ctx, snapshotKey).Bytes()
	switch {
	case err == nil:
		var snapshot map[string]int
		if jsonErr := json.Unmarshal(data, &snapshot); jsonErr == nil {
			metrics.IncSpeciesSnapshot("cache")
			return snapshot, nil
		}
		log.Printf("[SPECIES] discarding unreadable cached snapshot")
	case errors.Is(err, redis.Nil):
	default:
		log.Printf("[SPECIES] redis get failed: %v", err)
	}

	snapshot, err := c.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode species snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey, encoded, c.ttl).Err(); err != nil {
		log.Printf("[SPECIES] redis set failed: %v", err)
	}
	return snapshot, nil
}
