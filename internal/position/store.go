package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists open positions keyed by (account, symbol) and archives
// closed ones. Writes are compare-and-swap on Version.
type Store interface {
	Get(ctx context.Context, accountID, symbol string) (*Position, error)
	ListOpen(ctx context.Context, accountID string) ([]*Position, error)
	ListAllOpen(ctx context.Context) ([]*Position, error)
	Create(ctx context.Context, p *Position) error
	// CompareAndSwap stores p if the stored version equals p.Version and
	// increments p.Version on success.
	CompareAndSwap(ctx context.Context, p *Position) error
	Delete(ctx context.Context, accountID, symbol string, version int64) error
	// Archive removes the position from the open set and keeps it in the
	// closed history.
	Archive(ctx context.Context, p *Position) error
	ListClosed(ctx context.Context, accountID string, limit int) ([]*Position, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	open   map[string]*Position
	closed []*Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{open: make(map[string]*Position)}
}

func (s *MemoryStore) Get(ctx context.Context, accountID, symbol string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.open[Key(accountID, symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, Key(accountID, symbol))
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, accountID string) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for _, p := range s.open {
		if p.AccountID == accountID {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListAllOpen(ctx context.Context) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.open))
	for _, p := range s.open {
		out = append(out, p.Clone())
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[p.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, p.Key())
	}
	p.Version = 1
	s.open[p.Key()] = p.Clone()
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.open[p.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, p.Key())
	}
	if cur.Version != p.Version {
		return fmt.Errorf("%w: %s has version %d, write based on %d", ErrVersionConflict, p.Key(), cur.Version, p.Version)
	}
	p.Version++
	s.open[p.Key()] = p.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, accountID, symbol string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(accountID, symbol)
	cur, ok := s.open[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if cur.Version != version {
		return fmt.Errorf("%w: %s", ErrVersionConflict, key)
	}
	delete(s.open, key)
	return nil
}

func (s *MemoryStore) Archive(ctx context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.open[p.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, p.Key())
	}
	if cur.Version != p.Version {
		return fmt.Errorf("%w: %s", ErrVersionConflict, p.Key())
	}
	delete(s.open, p.Key())
	s.closed = append(s.closed, p.Clone())
	return nil
}

func (s *MemoryStore) ListClosed(ctx context.Context, accountID string, limit int) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for i := len(s.closed) - 1; i >= 0; i-- {
		if accountID != "" && s.closed[i].AccountID != accountID {
			continue
		}
		out = append(out, s.closed[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortPositions(ps []*Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Key() < ps[j].Key() })
}
