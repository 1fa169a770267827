package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Deduper reserves idempotency keys for a retention window. Reserve
// returns the event id that first claimed the key when the key is already
// held.
type Deduper interface {
	Reserve(ctx context.Context, key, eventID string, window time.Duration) (priorID string, dup bool, err error)
	Ping(ctx context.Context) error
}

// RedisDeduper implements Deduper on Redis using SET NX with expiry, so
// the window survives worker restarts.
type RedisDeduper struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(addr, password string, db int, logger *zap.Logger) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDeduper{client: client, logger: logger, prefix: "idem:"}, nil
}

// Reserve claims key for eventID. When the key is already claimed the id
// of the first claimant is returned with dup=true.
func (d *RedisDeduper) Reserve(ctx context.Context, key, eventID string, window time.Duration) (string, bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, eventID, window).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to reserve idempotency key %s: %w", key, err)
	}
	if ok {
		return eventID, false, nil
	}
	prior, err := d.client.Get(ctx, d.prefix+key).Result()
	if err == redis.Nil {
		// Key expired between SETNX and GET; the publish proceeds as new.
		return eventID, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key %s: %w", key, err)
	}
	d.logger.Debug("Duplicate idempotency key collapsed",
		zap.String("key", key),
		zap.String("prior_event_id", prior),
	)
	return prior, true, nil
}

// Ping checks Redis connectivity.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

// MemoryDeduper is an in-process Deduper for tests and dev mode.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	eventID   string
	expiresAt time.Time
}

// NewMemoryDeduper creates an in-memory deduper using the given time
// source.
func NewMemoryDeduper(now func() time.Time) *MemoryDeduper {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{entries: make(map[string]memoryEntry), now: now}
}

// Reserve claims key for eventID in process memory.
func (d *MemoryDeduper) Reserve(_ context.Context, key, eventID string, window time.Duration) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if e, ok := d.entries[key]; ok && e.expiresAt.After(now) {
		return e.eventID, true, nil
	}
	d.entries[key] = memoryEntry{eventID: eventID, expiresAt: now.Add(window)}
	return eventID, false, nil
}

// Ping always succeeds for the in-memory deduper.
func (d *MemoryDeduper) Ping(context.Context) error { return nil }
