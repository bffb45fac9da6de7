package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/events"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/risk"
)

const (
	maxCASAttempts = 5
	// openingTimeout bounds how long an OPENING record may wait for its
	// entry fill before reconcile discards it.
	openingTimeout = 2 * time.Minute
)

// Broker is the order path the engine uses.
type Broker interface {
	Submit(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error)
	Price(ctx context.Context, accountID, symbol string) (float64, error)
	GetOpenPositions(ctx context.Context, accountID string) ([]broker.ExchangePosition, error)
}

// Supervisor is the risk gate consulted before every order.
type Supervisor interface {
	Check(intent risk.OrderIntent) risk.Verdict
	EvaluatePosition(v risk.PositionView, price float64, now time.Time) risk.PositionRisk
	ClearPosition(accountID, symbol string)
}

// SignalSource returns the latest strategy signal for an account's symbol.
type SignalSource interface {
	Latest(accountID, symbol string) (Signal, bool)
}

// OpenRequest opens a new position.
type OpenRequest struct {
	AccountID     string
	Symbol        string
	Side          broker.Side
	Quantity      float64
	Price         float64
	MasterTradeID string
}

// CloseRequest closes Fraction of the remaining quantity.
type CloseRequest struct {
	AccountID     string
	Symbol        string
	Fraction      float64
	Price         float64
	Reason        string
	MasterTradeID string
}

// TickResult summarises one account tick.
type TickResult struct {
	Evaluated     int
	Exits         int
	Warnings      int
	Failed        int
	UnrealizedPnL float64
}

// ReconcileResult summarises one reconciliation against the exchange.
type ReconcileResult struct {
	Imported         int
	ClosedExternally int
	StaleOpenings    int
}

// ExitFill describes an exit the engine decided and filled on its own.
type ExitFill struct {
	AccountID string
	Symbol    string
	Side      broker.Side
	Quantity  float64
	Price     float64
	// Fraction is the share of the remaining quantity this exit closed.
	Fraction      float64
	Full          bool
	Reason        string
	MasterTradeID string
}

// Engine drives position state. It holds no lock across broker I/O; every
// write is a compare-and-swap against the stored version.
type Engine struct {
	store      Store
	broker     Broker
	supervisor Supervisor
	symbols    *broker.SymbolBook
	eval       Evaluator
	clock      clock.Clock
	logger     zerolog.Logger

	ledger  ledger.Ledger
	signals SignalSource
	bus     events.Publisher
	onExit  func(ctx context.Context, f ExitFill)
}

// NewEngine creates a position engine.
func NewEngine(store Store, b Broker, sup Supervisor, symbols *broker.SymbolBook, eval Evaluator, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if symbols == nil {
		symbols = broker.NewSymbolBook(nil)
	}
	return &Engine{
		store:      store,
		broker:     b,
		supervisor: sup,
		symbols:    symbols,
		eval:       eval,
		clock:      clk,
		logger:     logger.With().Str("component", "position_engine").Logger(),
		bus:        events.Nop{},
	}
}

// SetLedger records engine-initiated exits.
func (e *Engine) SetLedger(l ledger.Ledger) { e.ledger = l }

// SetSignals wires the strategy signal source used by exit rules.
func (e *Engine) SetSignals(s SignalSource) { e.signals = s }

// OnExit registers a callback for exits filled by Tick. An exit requested
// through Close is reported only if its first submission failed and a later
// tick filled it. ExitFill.MasterTradeID is the id the exit was recorded
// under.
func (e *Engine) OnExit(fn func(ctx context.Context, f ExitFill)) { e.onExit = fn }

// SetEventBus wires lifecycle events.
func (e *Engine) SetEventBus(bus events.Publisher) {
	if bus != nil {
		e.bus = bus
	}
}

// Get returns one open position.
func (e *Engine) Get(ctx context.Context, accountID, symbol string) (*Position, error) {
	return e.store.Get(ctx, accountID, symbol)
}

// List returns open positions for accountID, or all when it is empty.
func (e *Engine) List(ctx context.Context, accountID string) ([]*Position, error) {
	if accountID == "" {
		return e.store.ListAllOpen(ctx)
	}
	return e.store.ListOpen(ctx, accountID)
}

// Closed returns archived positions, newest first.
func (e *Engine) Closed(ctx context.Context, accountID string, limit int) ([]*Position, error) {
	return e.store.ListClosed(ctx, accountID, limit)
}

// update applies fn to a fresh copy and writes it back, retrying on
// version conflicts.
func (e *Engine) update(ctx context.Context, accountID, symbol string, fn func(p *Position) error) (*Position, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		p, err := e.store.Get(ctx, accountID, symbol)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			return nil, err
		}
		err = e.store.CompareAndSwap(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		e.logger.Debug().Str("position", Key(accountID, symbol)).Int("attempt", attempt+1).Msg("Version conflict, retrying update")
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrVersionConflict, Key(accountID, symbol), maxCASAttempts)
}

// Open gates, records and submits an opening order. The position exists as
// OPENING until the entry fill arrives.
func (e *Engine) Open(ctx context.Context, req OpenRequest, m mode.Mode) (*Position, *broker.OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, nil, fmt.Errorf("%w: open quantity %v", ErrInvalidQuantity, req.Quantity)
	}
	open, err := e.store.ListOpen(ctx, req.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list positions: %w", err)
	}
	for _, p := range open {
		if p.Symbol == req.Symbol {
			return nil, nil, fmt.Errorf("%w: %s", ErrPositionExists, p.Key())
		}
	}

	verdict := e.supervisor.Check(risk.OrderIntent{
		AccountID:       req.AccountID,
		Symbol:          req.Symbol,
		RiskIncreasing:  true,
		Notional:        broker.Notional(req.Quantity, req.Price),
		OpenPositions:   len(open),
		TradingDisabled: !m.TradingEnabled,
	})
	if !verdict.Allowed {
		e.logger.Info().Str("account", req.AccountID).Str("symbol", req.Symbol).
			Str("scope", string(verdict.Scope)).Str("metric", verdict.Metric).Str("reason", verdict.Reason).
			Msg("Opening order blocked")
		return nil, nil, verdict.Err()
	}

	now := e.clock.Now()
	side := broker.PositionLong
	if req.Side == broker.SideSell {
		side = broker.PositionShort
	}
	pos := &Position{
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          side,
		State:         StateOpening,
		Tag:           TagNormal,
		MasterTradeID: req.MasterTradeID,
		LastPrice:     req.Price,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, pos); err != nil {
		return nil, nil, err
	}

	res, err := e.broker.Submit(ctx, broker.OrderRequest{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		PriceHint: req.Price,
		DryRun:    m.DryRun,
	})
	if err != nil {
		if delErr := e.store.Delete(ctx, req.AccountID, req.Symbol, pos.Version); delErr != nil {
			e.logger.Warn().Err(delErr).Str("position", pos.Key()).Msg("Failed to drop OPENING record")
		}
		return nil, nil, fmt.Errorf("failed to open %s: %w", pos.Key(), err)
	}

	p, err := e.OnEntryFill(ctx, req.AccountID, req.Symbol, res)
	return p, res, err
}

// OnEntryFill moves an OPENING position to OPEN with the fill's price and
// quantity.
func (e *Engine) OnEntryFill(ctx context.Context, accountID, symbol string, res *broker.OrderResult) (*Position, error) {
	if res == nil || res.FilledQty <= 0 {
		return nil, fmt.Errorf("%w: entry fill for %s", ErrInvalidQuantity, Key(accountID, symbol))
	}
	now := e.clock.Now()
	p, err := e.update(ctx, accountID, symbol, func(p *Position) error {
		if p.State != StateOpening {
			return fmt.Errorf("%w: entry fill for %s in state %s", ErrNotOpen, p.Key(), p.State)
		}
		p.State = StateOpen
		p.EntryPrice = res.AvgPrice
		p.OriginalQty = res.FilledQty
		p.RemainingQty = res.FilledQty
		p.Fees = res.Fees
		p.RealizedPnL = -res.Fees
		p.HighWaterMark = res.AvgPrice
		p.LastPrice = res.AvgPrice
		p.BindingID = res.BindingID
		p.DryRun = res.Simulated
		p.OpenedAt = now
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().Str("account", accountID).Str("symbol", symbol).Str("side", string(p.Side)).
		Float64("entry_price", p.EntryPrice).Float64("quantity", p.OriginalQty).
		Str("binding", p.BindingID).Bool("simulated", res.Simulated).Msg("Position opened")
	e.bus.Publish(events.Event{
		Type: events.EventPositionOpened,
		Data: map[string]interface{}{
			"account_id":      accountID,
			"symbol":          symbol,
			"side":            string(p.Side),
			"entry_price":     p.EntryPrice,
			"quantity":        p.OriginalQty,
			"master_trade_id": p.MasterTradeID,
		},
	})
	return p, nil
}

// OnExitFill books a reducing fill. A fill for a position that is not
// tracked is a data-integrity anomaly: it is logged and the account is
// reconciled against the exchange.
func (e *Engine) OnExitFill(ctx context.Context, accountID, symbol string, res *broker.OrderResult, reason string) (*Position, error) {
	now := e.clock.Now()
	p, err := e.update(ctx, accountID, symbol, func(p *Position) error {
		if _, err := p.ApplyExitFill(res.FilledQty, res.AvgPrice, res.Fees, now); err != nil {
			return err
		}
		if p.State == StateClosed {
			p.CloseReason = reason
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPositionNotFound) || errors.Is(err, ErrNotOpen) {
			e.logger.Warn().Str("account", accountID).Str("symbol", symbol).
				Float64("filled_qty", res.FilledQty).Err(err).
				Msg("Exit fill with no open position, reconciling with exchange")
			if _, rerr := e.ReconcileOrphans(ctx, accountID); rerr != nil {
				e.logger.Warn().Err(rerr).Str("account", accountID).Msg("Reconcile after anomaly failed")
			}
		}
		return nil, err
	}

	if p.State == StateClosed {
		e.archive(ctx, p)
	}
	return p, nil
}

func (e *Engine) archive(ctx context.Context, p *Position) {
	if err := e.store.Archive(ctx, p); err != nil {
		e.logger.Error().Err(err).Str("position", p.Key()).Msg("Failed to archive closed position")
		return
	}
	e.supervisor.ClearPosition(p.AccountID, p.Symbol)
	e.logger.Info().Str("account", p.AccountID).Str("symbol", p.Symbol).
		Float64("realized_pnl", p.RealizedPnL).Str("reason", p.CloseReason).Msg("Position closed")
	e.bus.Publish(events.Event{
		Type: events.EventPositionClosed,
		Data: map[string]interface{}{
			"account_id":   p.AccountID,
			"symbol":       p.Symbol,
			"realized_pnl": p.RealizedPnL,
			"reason":       p.CloseReason,
			"tag":          string(p.Tag),
		},
	})
}

// Close reduces a position by a fraction of its remaining quantity. A
// partial close below the exchange minimum is refused with ErrBelowMinimum;
// closing the whole remainder is always attempted.
func (e *Engine) Close(ctx context.Context, req CloseRequest, m mode.Mode) (*broker.OrderResult, float64, error) {
	if req.Fraction <= 0 {
		return nil, 0, fmt.Errorf("%w: close fraction %v", ErrInvalidQuantity, req.Fraction)
	}
	rules := e.symbols.Rules(req.Symbol)
	var qty float64
	p, err := e.update(ctx, req.AccountID, req.Symbol, func(p *Position) error {
		if !p.State.Active() || p.RemainingQty <= 0 {
			return fmt.Errorf("%w: %s is %s", ErrNotOpen, p.Key(), p.State)
		}
		if p.State == StateClosing && p.PendingExitQty >= p.RemainingQty {
			return fmt.Errorf("%w: %s is already closing", ErrNotOpen, p.Key())
		}
		if req.Price > 0 {
			p.LastPrice = req.Price
		}
		qty = p.RemainingQty
		if req.Fraction < 1 {
			q := rules.RoundQty(p.RemainingQty * req.Fraction)
			leftover := p.RemainingQty - q
			if leftover < rules.MinQty || leftover <= dust {
				q = p.RemainingQty
			}
			if q < p.RemainingQty && !rules.MeetsMinimum(q, p.LastPrice) {
				return fmt.Errorf("%w: %s close of %v at %v", ErrBelowMinimum, p.Key(), q, p.LastPrice)
			}
			qty = q
		}
		p.PendingExitQty = qty
		p.PendingExitReason = req.Reason
		p.PendingExitTradeID = req.MasterTradeID
		if p.PendingExitTradeID == "" {
			p.PendingExitTradeID = uuid.NewString()
		}
		p.PendingProfitStep = false
		if qty >= p.RemainingQty {
			p.State = StateClosing
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	res, err := e.executeExit(ctx, p, m, false)
	return res, qty, err
}

// executeExit submits the pending exit stored on p as a reduce-only order.
// A transient failure leaves the exit queued for the next tick; a business
// rejection clears it and is escalated instead of being resubmitted.
func (e *Engine) executeExit(ctx context.Context, p *Position, m mode.Mode, record bool) (*broker.OrderResult, error) {
	// Exits always pass the gate; the call keeps every order on one path.
	if v := e.supervisor.Check(risk.OrderIntent{AccountID: p.AccountID, Symbol: p.Symbol}); !v.Allowed {
		return nil, v.Err()
	}

	qty, reason := p.PendingExitQty, p.PendingExitReason
	tradeID := p.PendingExitTradeID
	if tradeID == "" {
		tradeID = p.MasterTradeID
	}
	req := broker.OrderRequest{
		AccountID:  p.AccountID,
		BindingID:  p.BindingID,
		Symbol:     p.Symbol,
		Side:       p.ExitSide(),
		Quantity:   qty,
		ReduceOnly: true,
		PriceHint:  p.LastPrice,
		DryRun:     m.DryRun || p.DryRun,
	}
	res, err := e.broker.Submit(ctx, req)
	if err != nil {
		kind := broker.KindOf(err)
		if record {
			e.record(ctx, p, req, nil, tradeID, ledger.OutcomeFailed, fmt.Sprintf("%s: %s", reason, broker.Reason(err)), string(kind))
		}
		if broker.Retryable(kind) {
			e.logger.Warn().Err(err).Str("account", p.AccountID).Str("symbol", p.Symbol).
				Float64("quantity", qty).Str("reason", reason).Msg("Exit order failed, queued for next tick")
			return nil, err
		}
		e.rejectExit(ctx, p, kind, err)
		return nil, err
	}

	updated, err := e.OnExitFill(ctx, p.AccountID, p.Symbol, res, reason)
	if record {
		e.record(ctx, p, req, res, tradeID, ledger.OutcomeSucceeded, reason, "")
	}
	full := updated != nil && updated.State == StateClosed
	if record && e.onExit != nil && err == nil {
		fraction := 1.0
		if !full && p.RemainingQty > 0 {
			fraction = math.Min(res.FilledQty/p.RemainingQty, 1)
		}
		e.onExit(ctx, ExitFill{
			AccountID:     p.AccountID,
			Symbol:        p.Symbol,
			Side:          req.Side,
			Quantity:      res.FilledQty,
			Price:         res.AvgPrice,
			Fraction:      fraction,
			Full:          full,
			Reason:        reason,
			MasterTradeID: tradeID,
		})
	}
	e.logger.Info().Str("account", p.AccountID).Str("symbol", p.Symbol).Float64("quantity", res.FilledQty).
		Float64("price", res.AvgPrice).Bool("full", full).Str("reason", reason).Msg("Exit filled")
	e.bus.Publish(events.Event{
		Type: events.EventPositionExit,
		Data: map[string]interface{}{
			"account_id": p.AccountID,
			"symbol":     p.Symbol,
			"reason":     reason,
			"quantity":   res.FilledQty,
			"price":      res.AvgPrice,
			"full":       full,
		},
	})
	return res, err
}

// rejectExit drops an exit the exchange refused. Rules that still want the
// position out decide again on the next tick.
func (e *Engine) rejectExit(ctx context.Context, p *Position, kind broker.ErrorKind, cause error) {
	_, err := e.update(ctx, p.AccountID, p.Symbol, func(cur *Position) error {
		cur.clearPendingExit()
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("position", p.Key()).Msg("Failed to clear rejected exit")
	}
	e.logger.Error().Err(cause).Str("account", p.AccountID).Str("symbol", p.Symbol).
		Float64("quantity", p.PendingExitQty).Str("kind", string(kind)).Str("reason", p.PendingExitReason).
		Msg("Exit order rejected, not retrying")
	e.bus.Publish(events.Event{
		Type: events.EventExitRejected,
		Data: map[string]interface{}{
			"account_id": p.AccountID,
			"symbol":     p.Symbol,
			"quantity":   p.PendingExitQty,
			"reason":     p.PendingExitReason,
			"error_kind": string(kind),
			"error":      broker.Reason(cause),
		},
	})
}

func (e *Engine) record(ctx context.Context, p *Position, req broker.OrderRequest, res *broker.OrderResult, masterTradeID string, outcome ledger.Outcome, reason, kind string) {
	if e.ledger == nil {
		return
	}
	if masterTradeID == "" {
		masterTradeID = p.MasterTradeID
	}
	entry := ledger.Entry{
		MasterTradeID: masterTradeID,
		Origin:        ledger.OriginEngine,
		AccountID:     p.AccountID,
		BindingID:     p.BindingID,
		Symbol:        p.Symbol,
		Side:          string(req.Side),
		Action:        ledger.ActionClose,
		Quantity:      req.Quantity,
		Price:         req.PriceHint,
		Notional:      broker.Notional(req.Quantity, req.PriceHint),
		Outcome:       outcome,
		Reason:        reason,
		ErrorKind:     kind,
		DryRun:        req.DryRun,
		CreatedAt:     e.clock.Now(),
	}
	if res != nil {
		entry.FilledQty = res.FilledQty
		entry.AvgPrice = res.AvgPrice
		entry.Fees = res.Fees
	}
	if _, err := e.ledger.Record(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("position", p.Key()).Msg("Failed to record exit in ledger")
	}
}

// Tick evaluates every open position of one account. The supervisor may
// tighten stops, the exit rules run, and the resulting exit, or one still
// queued from an earlier tick, is submitted.
func (e *Engine) Tick(ctx context.Context, accountID string, m mode.Mode) (TickResult, error) {
	var result TickResult
	positions, err := e.store.ListOpen(ctx, accountID)
	if err != nil {
		return result, fmt.Errorf("failed to list positions for %s: %w", accountID, err)
	}

	for _, p := range positions {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if p.State == StateOpening {
			continue
		}
		price, err := e.broker.Price(ctx, accountID, p.Symbol)
		if err != nil || price <= 0 {
			e.logger.Warn().Err(err).Str("account", accountID).Str("symbol", p.Symbol).Msg("No price, skipping evaluation")
			result.Failed++
			continue
		}
		result.Evaluated++
		result.UnrealizedPnL += p.UnrealizedPnL(price)
		now := e.clock.Now()

		guard := e.supervisor.EvaluatePosition(risk.PositionView{
			AccountID:  p.AccountID,
			Symbol:     p.Symbol,
			Long:       p.Long(),
			EntryPrice: p.EntryPrice,
			StopPrice:  p.StopPrice,
		}, price, now)
		if guard.Tightened {
			p.StopPrice = guard.StopPrice
		}

		var sig *Signal
		if e.signals != nil {
			if s, ok := e.signals.Latest(accountID, p.Symbol); ok {
				sig = &s
			}
		}
		next, dec := e.eval.Evaluate(p, Input{Price: price, Now: now, Signal: sig, Rules: e.symbols.Rules(p.Symbol)})
		e.queueExit(next, dec, price)
		if err := e.store.CompareAndSwap(ctx, next); err != nil {
			e.logger.Debug().Err(err).Str("position", p.Key()).Msg("Position changed during evaluation, re-evaluating next tick")
			continue
		}

		if dec.Action == ActionWarn {
			result.Warnings++
			e.logger.Warn().Str("account", accountID).Str("symbol", p.Symbol).
				Float64("pnl_pct", next.PnLPct(price)).Str("reason", dec.Reason).Msg("Losing position countdown")
			e.bus.Publish(events.Event{
				Type: events.EventPositionWarning,
				Data: map[string]interface{}{"account_id": accountID, "symbol": p.Symbol, "reason": dec.Reason},
			})
		}
		if next.PendingExitQty > 0 {
			if _, err := e.executeExit(ctx, next, m, true); err != nil {
				result.Failed++
			} else {
				result.Exits++
			}
		}
	}
	return result, nil
}

// queueExit merges a fresh decision into the exit still pending from an
// earlier tick. A full exit replaces a queued partial, and a queued
// profit-step partial is dropped once the position is losing.
func (e *Engine) queueExit(next *Position, dec Decision, price float64) {
	pending := next.PendingExitQty > 0
	switch {
	case dec.Action == ActionFull:
		if pending && next.PendingExitQty >= next.RemainingQty {
			return
		}
		next.PendingExitQty = next.RemainingQty
		next.PendingExitReason = dec.Reason
		next.PendingExitTradeID = uuid.NewString()
		next.PendingProfitStep = false
		next.State = StateClosing
	case pending && next.PendingProfitStep && next.PnLPct(price) < 0:
		e.logger.Info().Str("account", next.AccountID).Str("symbol", next.Symbol).
			Float64("quantity", next.PendingExitQty).Str("reason", next.PendingExitReason).
			Float64("pnl_pct", next.PnLPct(price)).Msg("Dropping queued profit-step exit, position is losing")
		next.clearPendingExit()
	case dec.Action == ActionPartial:
		if pending && next.PendingExitQty >= next.RemainingQty {
			return
		}
		if !pending {
			next.PendingExitTradeID = uuid.NewString()
			next.PendingProfitStep = true
		}
		next.PendingExitQty = math.Min(next.PendingExitQty+dec.Quantity, next.RemainingQty)
		next.PendingExitReason = dec.Reason
		if next.PendingExitQty >= next.RemainingQty {
			next.State = StateClosing
		}
	}
}

// ReconcileOrphans compares local positions with the exchange. Exchange
// positions with no local record are imported at the current price;
// local positions missing on the exchange are archived as closed
// externally.
func (e *Engine) ReconcileOrphans(ctx context.Context, accountID string) (ReconcileResult, error) {
	var result ReconcileResult
	remote, err := e.broker.GetOpenPositions(ctx, accountID)
	if err != nil {
		return result, fmt.Errorf("failed to read exchange positions for %s: %w", accountID, err)
	}
	local, err := e.store.ListOpen(ctx, accountID)
	if err != nil {
		return result, fmt.Errorf("failed to list positions for %s: %w", accountID, err)
	}
	bySymbol := make(map[string]*Position, len(local))
	for _, p := range local {
		bySymbol[p.Symbol] = p
	}

	now := e.clock.Now()
	onExchange := make(map[string]bool, len(remote))
	for _, xp := range remote {
		if xp.Quantity <= 0 {
			continue
		}
		onExchange[xp.Symbol] = true
		if lp, ok := bySymbol[xp.Symbol]; ok {
			if lp.State != StateOpening || now.Sub(lp.UpdatedAt) < openingTimeout {
				continue
			}
			if err := e.store.Delete(ctx, accountID, lp.Symbol, lp.Version); err != nil {
				continue
			}
			result.StaleOpenings++
		}

		price, err := e.broker.Price(ctx, accountID, xp.Symbol)
		if err != nil || price <= 0 {
			price = xp.MarkPrice
		}
		if price <= 0 {
			e.logger.Warn().Str("account", accountID).Str("symbol", xp.Symbol).Msg("Orphaned position has no price, retrying next reconcile")
			continue
		}
		pos := &Position{
			AccountID:     accountID,
			Symbol:        xp.Symbol,
			BindingID:     xp.BindingID,
			Side:          xp.Side,
			State:         StateOrphaned,
			Tag:           TagAutoImported,
			EntryPrice:    price,
			OriginalQty:   xp.Quantity,
			RemainingQty:  xp.Quantity,
			OpenedAt:      now,
			HighWaterMark: price,
			LastPrice:     price,
			UpdatedAt:     now,
		}
		if err := e.store.Create(ctx, pos); err != nil {
			continue
		}
		result.Imported++
		e.logger.Warn().Str("account", accountID).Str("symbol", xp.Symbol).Str("binding", xp.BindingID).
			Float64("quantity", xp.Quantity).Float64("estimated_entry", price).
			Float64("exchange_entry", xp.EntryPrice).Msg("Imported orphaned position")
		e.bus.Publish(events.Event{
			Type: events.EventOrphanImported,
			Data: map[string]interface{}{
				"account_id": accountID,
				"symbol":     xp.Symbol,
				"quantity":   xp.Quantity,
				"price":      price,
			},
		})
	}

	for _, lp := range local {
		if onExchange[lp.Symbol] || lp.DryRun {
			continue
		}
		if lp.State == StateOpening {
			if now.Sub(lp.UpdatedAt) >= openingTimeout {
				if err := e.store.Delete(ctx, accountID, lp.Symbol, lp.Version); err == nil {
					result.StaleOpenings++
				}
			}
			continue
		}
		lp.RemainingQty = 0
		lp.State = StateClosed
		lp.ClosedAt = now
		lp.UpdatedAt = now
		lp.CloseReason = "closed externally"
		lp.PendingExitQty = 0
		e.logger.Warn().Str("account", accountID).Str("symbol", lp.Symbol).
			Msg("Tracked position missing on exchange, archiving as closed externally")
		e.archive(ctx, lp)
		result.ClosedExternally++
	}
	return result, nil
}

// ForceExitAll queues a forced full exit for every open position.
func (e *Engine) ForceExitAll(ctx context.Context, reason string) (int, error) {
	all, err := e.store.ListAllOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list positions: %w", err)
	}
	queued := 0
	for _, p := range all {
		_, err := e.update(ctx, p.AccountID, p.Symbol, func(p *Position) error {
			p.ForceExitReason = reason
			return nil
		})
		if err != nil {
			e.logger.Error().Err(err).Str("position", p.Key()).Msg("Failed to queue forced exit")
			continue
		}
		queued++
	}
	e.logger.Warn().Int("positions", queued).Str("reason", reason).Msg("Forced exit queued for all positions")
	return queued, nil
}
