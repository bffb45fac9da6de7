package broker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

// PaperClient is an in-memory exchange used for dry-run bindings and tests.
// Orders fill immediately at the current price for the symbol.
type PaperClient struct {
	mu          sync.Mutex
	balance     float64
	feeRate     float64
	prices      map[string]float64
	positions   map[string]*ExchangePosition
	nextOrderID int64
	failures    []error
	delay       time.Duration
	exitOnly    bool
	orders      []OrderRequest
}

// NewPaperClient creates a paper account with an initial quote balance.
func NewPaperClient(initialBalance, feeRate float64) *PaperClient {
	return &PaperClient{
		balance:     initialBalance,
		feeRate:     feeRate,
		prices:      make(map[string]float64),
		positions:   make(map[string]*ExchangePosition),
		nextOrderID: 1000,
	}
}

// SetPrice sets the mark price used for fills.
func (c *PaperClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	c.prices[symbol] = price
	if p, ok := c.positions[symbol]; ok {
		p.MarkPrice = price
	}
	c.mu.Unlock()
}

// SetBalance overrides the wallet balance.
func (c *PaperClient) SetBalance(b float64) {
	c.mu.Lock()
	c.balance = b
	c.mu.Unlock()
}

// FailNext queues errors returned by the next calls, in order.
func (c *PaperClient) FailNext(errs ...error) {
	c.mu.Lock()
	c.failures = append(c.failures, errs...)
	c.mu.Unlock()
}

// SetDelay makes every call wait d (or until ctx is done).
func (c *PaperClient) SetDelay(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

// SetExitOnly simulates an exchange exit-only restriction.
func (c *PaperClient) SetExitOnly(v bool) {
	c.mu.Lock()
	c.exitOnly = v
	c.mu.Unlock()
}

// Inject places a position directly, bypassing orders (manual trades).
func (c *PaperClient) Inject(pos ExchangePosition) {
	c.mu.Lock()
	p := pos
	c.positions[pos.Symbol] = &p
	c.mu.Unlock()
}

// Orders returns every order accepted so far.
func (c *PaperClient) Orders() []OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OrderRequest, len(c.orders))
	copy(out, c.orders)
	return out
}

func (c *PaperClient) wait(ctx context.Context) error {
	c.mu.Lock()
	d := c.delay
	c.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &Error{Kind: KindNetwork, Message: "request cancelled", Err: ctx.Err()}
	case <-t.C:
		return nil
	}
}

func (c *PaperClient) popFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) == 0 {
		return nil
	}
	err := c.failures[0]
	c.failures = c.failures[1:]
	return err
}

func (c *PaperClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.popFailure(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, NewError(KindRejected, -4003, "quantity less than or equal to zero")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	price := c.prices[req.Symbol]
	if price <= 0 {
		price = req.PriceHint
	}
	if price <= 0 {
		return nil, NewError(KindRejected, -1121, fmt.Sprintf("no price for %s", req.Symbol))
	}

	pos := c.positions[req.Symbol]
	increasing := pos == nil || (pos.Side == PositionLong) == (req.Side == SideBuy)
	if increasing && req.ReduceOnly {
		return nil, NewError(KindRejected, -2022, "ReduceOnly Order is rejected")
	}
	if increasing && c.exitOnly {
		return nil, &Error{Kind: KindRejected, Code: -4400, Message: "account restricted to reduce-only", ExitOnly: true}
	}

	notional := req.Quantity * price
	fee := notional * c.feeRate
	if increasing && notional+fee > c.balance {
		return nil, NewError(KindInsufficientFunds, -2019, "Margin is insufficient")
	}

	qty := req.Quantity
	if increasing {
		if pos == nil {
			side := PositionLong
			if req.Side == SideSell {
				side = PositionShort
			}
			pos = &ExchangePosition{Symbol: req.Symbol, Side: side}
			c.positions[req.Symbol] = pos
		}
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / total
		pos.Quantity = total
		pos.MarkPrice = price
	} else {
		qty = math.Min(qty, pos.Quantity)
		dir := 1.0
		if pos.Side == PositionShort {
			dir = -1
		}
		c.balance += (price - pos.EntryPrice) * qty * dir
		pos.Quantity -= qty
		if pos.Quantity <= 1e-12 {
			delete(c.positions, req.Symbol)
		}
	}
	c.balance -= fee

	c.nextOrderID++
	c.orders = append(c.orders, req)
	return &OrderResult{
		OrderID:       strconv.FormatInt(c.nextOrderID, 10),
		ClientOrderID: req.ClientOrderID,
		BindingID:     req.BindingID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		FilledQty:     qty,
		AvgPrice:      price,
		Fees:          fee,
		FilledAt:      time.Now(),
	}, nil
}

func (c *PaperClient) GetBalance(ctx context.Context) (*Balance, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.popFailure(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Balance{Asset: "USDT", Total: c.balance, Available: c.balance, UpdatedAt: time.Now()}, nil
}

func (c *PaperClient) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ExchangePosition, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (c *PaperClient) Price(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok || p <= 0 {
		return 0, NewError(KindRejected, -1121, "invalid symbol "+symbol)
	}
	return p, nil
}

func (c *PaperClient) TradingStatus(ctx context.Context) (TradingStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TradingStatus{CanOpen: !c.exitOnly, CanClose: true}, nil
}
