package copytrade

import (
	"sync"
	"time"

	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/position"
)

// SignalBook keeps the latest strategy signal per master account and
// symbol. Followers never get an entry.
type SignalBook struct {
	mu      sync.RWMutex
	signals map[string]position.Signal
	ttl     time.Duration
	clock   clock.Clock
}

// NewSignalBook creates a book whose signals expire after ttl; zero keeps
// them until replaced.
func NewSignalBook(ttl time.Duration, clk clock.Clock) *SignalBook {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SignalBook{signals: make(map[string]position.Signal), ttl: ttl, clock: clk}
}

// Record stores s as the latest signal.
func (b *SignalBook) Record(accountID, symbol string, s position.Signal) {
	if s.At.IsZero() {
		s.At = b.clock.Now()
	}
	b.mu.Lock()
	b.signals[position.Key(accountID, symbol)] = s
	b.mu.Unlock()
}

// Latest implements position.SignalSource.
func (b *SignalBook) Latest(accountID, symbol string) (position.Signal, bool) {
	b.mu.RLock()
	s, ok := b.signals[position.Key(accountID, symbol)]
	b.mu.RUnlock()
	if !ok {
		return position.Signal{}, false
	}
	if b.ttl > 0 && b.clock.Now().Sub(s.At) > b.ttl {
		return position.Signal{}, false
	}
	return s, true
}
