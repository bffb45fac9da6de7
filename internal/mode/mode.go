// Package mode holds the versioned trading mode snapshot read once per tick.
package mode

import (
	"sync"
	"sync/atomic"
	"time"
)

// Mode is an immutable snapshot. Every decision within a tick reads the
// snapshot taken at the start of that tick.
type Mode struct {
	Version        int64     `json:"version"`
	TradingEnabled bool      `json:"trading_enabled"`
	DryRun         bool      `json:"dry_run"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
}

// Store publishes mode snapshots.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[Mode]
	listeners []func(Mode)
}

// NewStore creates a store holding initial as version 1.
func NewStore(initial Mode) *Store {
	s := &Store{}
	initial.Version = 1
	if initial.UpdatedAt.IsZero() {
		initial.UpdatedAt = time.Now().UTC()
	}
	s.current.Store(&initial)
	return s
}

// Current returns the snapshot in effect.
func (s *Store) Current() Mode {
	return *s.current.Load()
}

// Update applies fn to a copy and publishes it as the next version.
func (s *Store) Update(by string, fn func(*Mode)) Mode {
	s.mu.Lock()
	next := *s.current.Load()
	fn(&next)
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	next.UpdatedBy = by
	s.current.Store(&next)
	listeners := append([]func(Mode){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next
}

// OnChange registers a listener called after every update.
func (s *Store) OnChange(fn func(Mode)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
