package broker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"copy-trading-bot/internal/clock"
)

// RetryConfig parameterises the single retry policy shared by every
// adapter. Each retryable error kind has its own schedule and attempt
// budget.
type RetryConfig struct {
	RateLimitBase     time.Duration `json:"rate_limit_base" yaml:"rate_limit_base"`
	RateLimitMax      time.Duration `json:"rate_limit_max" yaml:"rate_limit_max"`
	RateLimitAttempts int           `json:"rate_limit_attempts" yaml:"rate_limit_attempts"`

	BlockedDelay    time.Duration `json:"blocked_delay" yaml:"blocked_delay"`
	BlockedJitter   time.Duration `json:"blocked_jitter" yaml:"blocked_jitter"`
	BlockedAttempts int           `json:"blocked_attempts" yaml:"blocked_attempts"`

	NetworkBase     time.Duration `json:"network_base" yaml:"network_base"`
	NetworkMax      time.Duration `json:"network_max" yaml:"network_max"`
	NetworkAttempts int           `json:"network_attempts" yaml:"network_attempts"`

	// Jitter is the randomisation factor applied to exponential schedules.
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RateLimitBase:     500 * time.Millisecond,
		RateLimitMax:      30 * time.Second,
		RateLimitAttempts: 5,
		BlockedDelay:      2 * time.Minute,
		BlockedJitter:     30 * time.Second,
		BlockedAttempts:   2,
		NetworkBase:       time.Second,
		NetworkMax:        10 * time.Second,
		NetworkAttempts:   3,
		Jitter:            0.2,
	}
}

// Retrier executes broker calls under the retry policy.
type Retrier struct {
	cfg    RetryConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRetrier(cfg RetryConfig, clk clock.Clock, logger zerolog.Logger) *Retrier {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Retrier{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("component", "broker_retry").Logger(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// attempt budget for the failing kind, or ctx is cancelled.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	schedules := make(map[ErrorKind]backoff.BackOff, 3)
	attempts := make(map[ErrorKind]int, 3)

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}

		kind := KindOf(err)
		if !Retryable(kind) {
			return err
		}

		attempts[kind]++
		if attempts[kind] > r.maxAttempts(kind) {
			r.logger.Warn().Str("kind", string(kind)).Int("attempts", attempts[kind]).Err(err).
				Msg("Retry budget exhausted")
			return err
		}

		b, ok := schedules[kind]
		if !ok {
			b = r.schedule(kind)
			schedules[kind] = b
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		var be *Error
		if errors.As(err, &be) && be.RetryAfter > delay {
			delay = be.RetryAfter
		}

		r.logger.Debug().Str("kind", string(kind)).Int("attempt", attempts[kind]).
			Dur("delay", delay).Err(err).Msg("Retrying broker call")

		if sleepErr := r.clock.Sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

func (r *Retrier) maxAttempts(kind ErrorKind) int {
	switch kind {
	case KindRateLimited:
		return r.cfg.RateLimitAttempts
	case KindTemporarilyBlocked:
		return r.cfg.BlockedAttempts
	case KindNetwork:
		return r.cfg.NetworkAttempts
	default:
		return 0
	}
}

// Schedule exposes the backoff schedule for kind.
func (r *Retrier) Schedule(kind ErrorKind) backoff.BackOff {
	return r.schedule(kind)
}

func (r *Retrier) schedule(kind ErrorKind) backoff.BackOff {
	switch kind {
	case KindRateLimited:
		return r.exponential(r.cfg.RateLimitBase, r.cfg.RateLimitMax)
	case KindTemporarilyBlocked:
		return &jitteredConstant{delay: r.cfg.BlockedDelay, jitter: r.cfg.BlockedJitter, rnd: r.random}
	case KindNetwork:
		return r.exponential(r.cfg.NetworkBase, r.cfg.NetworkMax)
	default:
		return &backoff.StopBackOff{}
	}
}

func (r *Retrier) exponential(base, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = r.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Retrier) random(n int64) int64 {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Int63n(n)
}

// jitteredConstant waits a long fixed delay plus uniform jitter; used when
// the exchange has provisionally suspended the key.
type jitteredConstant struct {
	delay  time.Duration
	jitter time.Duration
	rnd    func(int64) int64
}

func (j *jitteredConstant) NextBackOff() time.Duration {
	return j.delay + time.Duration(j.rnd(int64(j.jitter)+1))
}

func (j *jitteredConstant) Reset() {}
