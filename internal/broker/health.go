package broker

import (
	"sync"

	"github.com/rs/zerolog"
)

// HealthListener is notified when an account/binding pair changes health.
type HealthListener interface {
	MarkUnhealthy(accountID, bindingID, reason string)
	MarkHealthy(accountID, bindingID string)
}

type pairKey struct {
	account string
	binding string
}

// HealthTracker counts consecutive failures per account/binding pair and
// flips the pair to UNHEALTHY after a threshold. It also keeps a window of
// attempts and failures for the platform failure-rate metric.
type HealthTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive map[pairKey]int
	unhealthy   map[pairKey]string
	attempts    int
	failures    int
	listener    HealthListener
	logger      zerolog.Logger
}

func NewHealthTracker(threshold int, logger zerolog.Logger) *HealthTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthTracker{
		threshold:   threshold,
		consecutive: make(map[pairKey]int),
		unhealthy:   make(map[pairKey]string),
		logger:      logger.With().Str("component", "broker_health").Logger(),
	}
}

// SetListener wires the registry that excludes unhealthy pairs.
func (h *HealthTracker) SetListener(l HealthListener) {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

// RecordSuccess resets the failure streak and restores health.
func (h *HealthTracker) RecordSuccess(accountID, bindingID string) {
	k := pairKey{accountID, bindingID}
	h.mu.Lock()
	h.attempts++
	h.consecutive[k] = 0
	_, was := h.unhealthy[k]
	delete(h.unhealthy, k)
	l := h.listener
	h.mu.Unlock()

	if was {
		h.logger.Info().Str("account", accountID).Str("binding", bindingID).Msg("Broker pair healthy again")
		if l != nil {
			l.MarkHealthy(accountID, bindingID)
		}
	}
}

// RecordFailure extends the streak; it returns true when this failure
// turned the pair unhealthy.
func (h *HealthTracker) RecordFailure(accountID, bindingID string, err error) bool {
	k := pairKey{accountID, bindingID}
	h.mu.Lock()
	h.attempts++
	h.failures++
	h.consecutive[k]++
	n := h.consecutive[k]
	_, already := h.unhealthy[k]
	tripped := !already && n >= h.threshold
	var reason string
	if tripped {
		reason = "consecutive broker failures: " + Reason(err)
		h.unhealthy[k] = reason
	}
	l := h.listener
	h.mu.Unlock()

	if tripped {
		h.logger.Warn().Str("account", accountID).Str("binding", bindingID).Int("failures", n).
			Err(err).Msg("Broker pair marked UNHEALTHY")
		if l != nil {
			l.MarkUnhealthy(accountID, bindingID, reason)
		}
	}
	return tripped
}

// Healthy reports whether the pair may receive new orders.
func (h *HealthTracker) Healthy(accountID, bindingID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, bad := h.unhealthy[pairKey{accountID, bindingID}]
	return !bad
}

// Unhealthy lists the bindings of accountID currently marked unhealthy.
func (h *HealthTracker) Unhealthy(accountID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for k := range h.unhealthy {
		if k.account == accountID {
			out = append(out, k.binding)
		}
	}
	return out
}

// AnyUnhealthy reports whether any pair is currently unhealthy.
func (h *HealthTracker) AnyUnhealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.unhealthy) > 0
}

// WindowStats returns attempts and failures since the last reset.
func (h *HealthTracker) WindowStats() (attempts, failures int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts, h.failures
}

// ResetWindow clears the failure-rate window.
func (h *HealthTracker) ResetWindow() {
	h.mu.Lock()
	h.attempts, h.failures = 0, 0
	h.mu.Unlock()
}
