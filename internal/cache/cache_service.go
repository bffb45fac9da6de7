// Package cache provides Redis-backed shared state: breaker persistence and
// balance snapshot publication.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"copy-trading-bot/config"
)

// ErrUnavailable is returned while the Redis circuit is open.
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// Key suffixes under the configured prefix
const (
	KeyBreakers       = "breakers"
	KeySnapshot       = "balances:snapshot"
	KeySnapshotStream = "balances:updates"
)

// DefaultSnapshotTTL bounds how long a published snapshot is served.
const DefaultSnapshotTTL = 10 * time.Minute

// CacheService wraps a Redis client with graceful degradation. After
// maxFailures consecutive errors the service reports unhealthy and rejects
// calls until a background ping succeeds.
type CacheService struct {
	client       *redis.Client
	prefix       string
	logger       zerolog.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService creates a CacheService. A failed initial ping returns the
// service in degraded mode rather than an error.
func NewCacheService(cfg config.RedisConfig, logger zerolog.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := newCacheService(client, cfg.KeyPrefix, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, running degraded")
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return cs, nil
}

func newCacheService(client *redis.Client, prefix string, logger zerolog.Logger) *CacheService {
	return &CacheService{
		client:        client,
		prefix:        prefix,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// Key namespaces name under the configured prefix.
func (cs *CacheService) Key(name string) string {
	return cs.prefix + name
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn().Int("failures", cs.failureCount).Msg("Redis marked unhealthy")
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info().Msg("Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background once checkInterval has passed while
// unhealthy.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) ready() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// Get retrieves a value. A missing key returns redis.Nil.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if err := cs.ready(); err != nil {
		return "", err
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", err
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// SetJSON marshals value and stores it with ttl.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := cs.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// HSetJSON stores value as JSON under field of the hash at key.
func (cs *CacheService) HSetJSON(ctx context.Context, key, field string, value interface{}) error {
	if err := cs.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := cs.client.HSet(ctx, key, field, data).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis hset failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// HGetAll returns every field of the hash at key.
func (cs *CacheService) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := cs.ready(); err != nil {
		return nil, err
	}

	result, err := cs.client.HGetAll(ctx, key).Result()
	if err != nil {
		cs.recordFailure()
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Publish sends payload as JSON on channel.
func (cs *CacheService) Publish(ctx context.Context, channel string, payload interface{}) error {
	if err := cs.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := cs.client.Publish(ctx, channel, data).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis publish failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes a key.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	if err := cs.ready(); err != nil {
		return err
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Health pings Redis directly, bypassing the circuit.
func (cs *CacheService) Health(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis ping failed: %w", err)
	}
	cs.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	return cs.client.Close()
}
