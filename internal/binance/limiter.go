package binance

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"copy-trading-bot/internal/broker"
)

// Binance futures request weight budget per minute.
const defaultMaxWeight = 2400

// Share of the weight budget each priority may consume.
const (
	orderWeightThreshold = 0.95
	readWeightThreshold  = 0.80
)

// RequestPriority separates order traffic from account reads.
type RequestPriority int

const (
	PriorityOrder RequestPriority = iota
	PriorityRead
)

// Limiter paces one binding's requests. Every binding owns a Limiter so one
// account's throttling never slows another.
type Limiter struct {
	mu            sync.Mutex
	pacer         *rate.Limiter
	usedWeight    int
	maxWeight     int
	weightResetAt time.Time
	banUntil      time.Time
	now           func() time.Time
}

// NewLimiter creates a limiter allowing rps requests per second with burst.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &Limiter{
		pacer:     rate.NewLimiter(rate.Limit(rps), burst),
		maxWeight: defaultMaxWeight,
		now:       time.Now,
	}
}

// Acquire waits for a request slot. It fails fast with a classified error
// while the key is banned or the weight budget for the priority is spent.
func (l *Limiter) Acquire(ctx context.Context, priority RequestPriority) error {
	l.mu.Lock()
	now := l.now()
	if now.Before(l.banUntil) {
		wait := l.banUntil.Sub(now)
		l.mu.Unlock()
		return &broker.Error{Kind: broker.KindTemporarilyBlocked, Code: 418, Message: "api key banned", RetryAfter: wait}
	}
	if now.After(l.weightResetAt) {
		l.usedWeight = 0
	}
	threshold := readWeightThreshold
	if priority == PriorityOrder {
		threshold = orderWeightThreshold
	}
	if float64(l.usedWeight) >= float64(l.maxWeight)*threshold {
		wait := l.weightResetAt.Sub(now)
		l.mu.Unlock()
		return &broker.Error{Kind: broker.KindRateLimited, Code: 429, Message: "local weight budget exhausted", RetryAfter: wait}
	}
	l.mu.Unlock()

	return l.pacer.Wait(ctx)
}

// UpdateWeight records the X-MBX-USED-WEIGHT-1M header value.
func (l *Limiter) UpdateWeight(header string) {
	if header == "" {
		return
	}
	w, err := strconv.Atoi(header)
	if err != nil {
		return
	}
	l.mu.Lock()
	now := l.now()
	l.usedWeight = w
	l.weightResetAt = now.Truncate(time.Minute).Add(time.Minute)
	l.mu.Unlock()
}

// Ban blocks the binding until the given time.
func (l *Limiter) Ban(until time.Time) {
	l.mu.Lock()
	if until.After(l.banUntil) {
		l.banUntil = until
	}
	l.mu.Unlock()
}

// BannedUntil returns the current ban expiry.
func (l *Limiter) BannedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.banUntil
}

var banUntilPattern = regexp.MustCompile(`banned until (\d{13})`)

// ParseBanUntil extracts the ban expiry from a Binance error message.
func ParseBanUntil(msg string, now time.Time) (time.Time, bool) {
	m := banUntilPattern.FindStringSubmatch(msg)
	if len(m) != 2 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	t := time.UnixMilli(ms)
	if !t.After(now) || t.After(now.Add(24*time.Hour)) {
		return time.Time{}, false
	}
	return t, true
}
