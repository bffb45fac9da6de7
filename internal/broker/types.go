// Package broker defines the exchange-agnostic connectivity contract used by
// the engines: order submission, balances and open positions, plus the shared
// retry, health and routing machinery every adapter sits behind.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide accepts BUY/SELL and LONG/SHORT spellings.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, nil
	case "SELL", "SHORT":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

// PositionSide is the direction of an exchange position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Kind selects the adapter implementation for a binding.
type Kind string

const (
	KindBinanceFutures Kind = "BINANCE_FUTURES"
	KindPaper          Kind = "PAPER"
)

// ParseKind validates a configured broker kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindBinanceFutures:
		return KindBinanceFutures, nil
	case KindPaper:
		return KindPaper, nil
	default:
		return "", fmt.Errorf("unknown broker kind %q", s)
	}
}

// OrderRequest is a market order for one account.
type OrderRequest struct {
	AccountID string
	// BindingID pins the order to a specific binding. Closes set it to the
	// binding that holds the position.
	BindingID     string
	Symbol        string
	Side          Side
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
	// PriceHint is the last known price, used for dry-run fills.
	PriceHint float64
	DryRun    bool
}

// RiskReducing reports whether the order can only shrink exposure.
func (r OrderRequest) RiskReducing() bool {
	return r.ReduceOnly
}

// OrderResult is the fill outcome of a submitted order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	BindingID     string
	Symbol        string
	Side          Side
	FilledQty     float64
	AvgPrice      float64
	Fees          float64
	FilledAt      time.Time
	Simulated     bool
}

// Balance is the account's quote-asset balance.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
	UpdatedAt time.Time
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	BindingID  string
	Symbol     string
	Side       PositionSide
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
}

// TradingStatus is the exchange-reported trading permission of an account.
type TradingStatus struct {
	CanOpen  bool
	CanClose bool
}

// Client is the capability every exchange adapter implements. A client is
// bound to one account's credentials.
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetBalance(ctx context.Context) (*Balance, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
}

// PriceSource is implemented by clients that can quote a last price.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// StatusReporter is implemented by clients that can report exit-only
// restrictions on the account.
type StatusReporter interface {
	TradingStatus(ctx context.Context) (TradingStatus, error)
}
