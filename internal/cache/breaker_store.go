package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/circuit"
)

// BreakerStore persists breaker state in a Redis hash with an in-memory
// copy that serves reads while Redis is unavailable.
type BreakerStore struct {
	cache  *CacheService
	logger zerolog.Logger

	mu       sync.RWMutex
	inMemory map[string]circuit.Status
}

// NewBreakerStore creates a store. A nil cache keeps state in memory only.
func NewBreakerStore(cache *CacheService, logger zerolog.Logger) *BreakerStore {
	return &BreakerStore{
		cache:    cache,
		logger:   logger.With().Str("component", "breaker-store").Logger(),
		inMemory: make(map[string]circuit.Status),
	}
}

func breakerField(scope circuit.Scope, key string) string {
	return fmt.Sprintf("%s:%s", scope, key)
}

// SaveBreaker implements risk.StateStore. The in-memory copy is always
// updated; the Redis error, if any, is returned.
func (s *BreakerStore) SaveBreaker(ctx context.Context, st circuit.Status) error {
	field := breakerField(st.Scope, st.Key)

	s.mu.Lock()
	s.inMemory[field] = st
	s.mu.Unlock()

	if s.cache == nil {
		return nil
	}
	if err := s.cache.HSetJSON(ctx, s.cache.Key(KeyBreakers), field, st); err != nil {
		return fmt.Errorf("failed to save breaker %s: %w", field, err)
	}
	return nil
}

// LoadBreakers implements risk.StateStore. Redis wins over memory when it
// answers.
func (s *BreakerStore) LoadBreakers(ctx context.Context) ([]circuit.Status, error) {
	if s.cache != nil {
		fields, err := s.cache.HGetAll(ctx, s.cache.Key(KeyBreakers))
		if err != nil {
			return nil, fmt.Errorf("failed to load breakers: %w", err)
		}

		s.mu.Lock()
		for field, raw := range fields {
			var st circuit.Status
			if err := json.Unmarshal([]byte(raw), &st); err != nil {
				s.logger.Warn().Err(err).Str("field", field).Msg("Skipping malformed breaker state")
				continue
			}
			s.inMemory[field] = st
		}
		s.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]circuit.Status, 0, len(s.inMemory))
	for _, st := range s.inMemory {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// SnapshotPublisher shares each balance snapshot through Redis so other
// processes (dashboards, a standby instance) read the same balances.
type SnapshotPublisher struct {
	cache *CacheService
}

// NewSnapshotPublisher creates a publisher; a nil cache makes it a no-op.
func NewSnapshotPublisher(cache *CacheService) *SnapshotPublisher {
	return &SnapshotPublisher{cache: cache}
}

// PublishSnapshot implements account.SnapshotPublisher.
func (p *SnapshotPublisher) PublishSnapshot(ctx context.Context, snap *account.Snapshot) error {
	if p.cache == nil || snap == nil {
		return nil
	}
	if err := p.cache.SetJSON(ctx, p.cache.Key(KeySnapshot), snap, DefaultSnapshotTTL); err != nil {
		return err
	}
	return p.cache.Publish(ctx, p.cache.Key(KeySnapshotStream), snap)
}

// LatestSnapshot reads the last published snapshot.
func (p *SnapshotPublisher) LatestSnapshot(ctx context.Context) (*account.Snapshot, error) {
	if p.cache == nil {
		return nil, ErrUnavailable
	}
	var snap account.Snapshot
	if err := p.cache.GetJSON(ctx, p.cache.Key(KeySnapshot), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
