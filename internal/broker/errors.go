package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies broker failures for retry and routing decisions.
type ErrorKind string

const (
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindTemporarilyBlocked ErrorKind = "TEMPORARILY_BLOCKED"
	KindNetwork            ErrorKind = "NETWORK"
	KindRejected           ErrorKind = "REJECTED"
	KindInsufficientFunds  ErrorKind = "INSUFFICIENT_FUNDS"
)

var (
	ErrNoRoute          = errors.New("no routable binding for account")
	ErrUnknownBinding   = errors.New("unknown binding")
	ErrBindingUnhealthy = errors.New("binding unhealthy")
	ErrInvalidOrder     = errors.New("invalid order")
)

// Error is a classified broker failure.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	// RetryAfter is the exchange-suggested wait, zero when not provided.
	RetryAfter time.Duration
	// ExitOnly marks rejections caused by an exchange restriction that
	// still allows closing positions.
	ExitOnly bool
	Err      error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf classifies err. Unclassified transport failures are NETWORK.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrInvalidOrder) {
		return KindRejected
	}
	// context deadlines, dial failures and anything else unclassified
	return KindNetwork
}

// Retryable reports whether the kind is handled by the retry policy.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindRateLimited, KindTemporarilyBlocked, KindNetwork:
		return true
	default:
		return false
	}
}

// IsExitOnly reports whether err signals an exit-only account restriction.
func IsExitOnly(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.ExitOnly
}

// Reason renders err as a short human-readable ledger reason.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		switch be.Kind {
		case KindInsufficientFunds:
			return "insufficient funds: " + be.Message
		case KindRejected:
			return "rejected by exchange: " + be.Message
		case KindRateLimited:
			return "rate limited by exchange"
		case KindTemporarilyBlocked:
			return "api key temporarily blocked by exchange"
		}
	}
	return err.Error()
}
