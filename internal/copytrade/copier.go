// Package copytrade replicates master trades into follower accounts. Each
// follower is sized from the registry snapshot, gated by the risk supervisor
// and submitted independently; every attempt lands in the trade ledger.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/events"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/logging"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
)

var (
	ErrNotMaster       = errors.New("account is not a master")
	ErrInvalidDecision = errors.New("invalid decision")
	ErrAlreadyOpen     = errors.New("master already holds this position")
	// ErrConfidenceFiltered refuses a master entry whose confidence falls
	// outside the band of the smallest tier the master is in.
	ErrConfidenceFiltered = errors.New("decision confidence outside tier band")
)

// Config controls follower sizing and dispatch.
type Config struct {
	// MaxScaleFactor caps follower/master balance scaling.
	MaxScaleFactor float64 `json:"max_scale_factor" yaml:"max_scale_factor"`
	// TierUtilization is the share of the tier position cap a copied order
	// may use.
	TierUtilization float64       `json:"tier_utilization" yaml:"tier_utilization"`
	MaxConcurrency  int           `json:"max_concurrency" yaml:"max_concurrency"`
	FollowerTimeout time.Duration `json:"follower_timeout" yaml:"follower_timeout"`
	SignalTTL       time.Duration `json:"signal_ttl" yaml:"signal_ttl"`
}

// DefaultConfig returns the default copy settings.
func DefaultConfig() Config {
	return Config{
		MaxScaleFactor:  3,
		TierUtilization: 0.9,
		MaxConcurrency:  8,
		FollowerTimeout: 10 * time.Second,
		SignalTTL:       15 * time.Minute,
	}
}

// Decision is a strategy trade decision for a master account.
type Decision struct {
	MasterID          string      `json:"master_id"`
	Symbol            string      `json:"symbol"`
	Side              broker.Side `json:"side"`
	Confidence        float64     `json:"confidence"`
	SuggestedQuantity float64     `json:"suggested_quantity"`
	Price             float64     `json:"price"`
}

// MasterFill is a filled master order to replicate.
type MasterFill struct {
	MasterTradeID string
	MasterID      string
	Symbol        string
	Side          broker.Side
	Action        ledger.Action
	Quantity      float64
	Price         float64
	Confidence    float64
	// Fraction of the master position a close removed; 1 for a full close.
	Fraction float64
	Reason   string
}

// Positions is the position engine as seen by the copier.
type Positions interface {
	Get(ctx context.Context, accountID, symbol string) (*position.Position, error)
	Open(ctx context.Context, req position.OpenRequest, m mode.Mode) (*position.Position, *broker.OrderResult, error)
	Close(ctx context.Context, req position.CloseRequest, m mode.Mode) (*broker.OrderResult, float64, error)
}

// ModeSource returns the current trading mode snapshot.
type ModeSource interface {
	Current() mode.Mode
}

// Copier is the copy execution engine.
type Copier struct {
	cfg       Config
	registry  *account.Registry
	positions Positions
	ledger    ledger.Ledger
	symbols   *broker.SymbolBook
	signals   *SignalBook
	modes     ModeSource
	bus       events.Publisher
	logger    zerolog.Logger
}

// NewCopier creates a copier.
func NewCopier(cfg Config, registry *account.Registry, positions Positions, l ledger.Ledger, symbols *broker.SymbolBook,
	signals *SignalBook, modes ModeSource, logger zerolog.Logger) *Copier {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.TierUtilization <= 0 || cfg.TierUtilization > 1 {
		cfg.TierUtilization = 1
	}
	if symbols == nil {
		symbols = broker.NewSymbolBook(nil)
	}
	return &Copier{
		cfg:       cfg,
		registry:  registry,
		positions: positions,
		ledger:    l,
		symbols:   symbols,
		signals:   signals,
		modes:     modes,
		bus:       events.Nop{},
		logger:    logger.With().Str("component", "copy_engine").Logger(),
	}
}

// SetEventBus wires copy summary events.
func (c *Copier) SetEventBus(bus events.Publisher) {
	if bus != nil {
		c.bus = bus
	}
}

// OnDecision applies a strategy decision to the master: no position opens
// one, an opposite-side decision closes it. The resulting master fill is
// replicated to followers.
func (c *Copier) OnDecision(ctx context.Context, d Decision) (*ledger.Summary, error) {
	master, err := c.registry.Get(d.MasterID)
	if err != nil {
		return nil, err
	}
	if master.Role != account.RoleMaster {
		return nil, fmt.Errorf("%w: %s", ErrNotMaster, d.MasterID)
	}
	if d.Symbol == "" || (d.Side != broker.SideBuy && d.Side != broker.SideSell) {
		return nil, fmt.Errorf("%w: symbol %q side %q", ErrInvalidDecision, d.Symbol, d.Side)
	}
	if c.signals != nil {
		c.signals.Record(d.MasterID, d.Symbol, position.Signal{Side: d.Side, Confidence: d.Confidence})
	}
	m := c.modes.Current()

	existing, err := c.positions.Get(ctx, d.MasterID, d.Symbol)
	switch {
	case err == nil:
		if existing.EntrySide() == d.Side {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, existing.Key())
		}
		summary, err := c.closeMaster(ctx, existing, 1, d.Price, fmt.Sprintf("opposite decision %s", d.Side))
		if err != nil {
			return nil, fmt.Errorf("failed to close master position: %w", err)
		}
		return summary, nil
	case errors.Is(err, position.ErrPositionNotFound):
	default:
		return nil, err
	}

	qty := c.symbols.Rules(d.Symbol).RoundQty(d.SuggestedQuantity)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity %v", ErrInvalidDecision, d.SuggestedQuantity)
	}
	tradeID := uuid.NewString()
	entry := ledger.Entry{
		MasterTradeID: tradeID,
		Origin:        ledger.OriginMaster,
		AccountID:     d.MasterID,
		Symbol:        d.Symbol,
		Side:          string(d.Side),
		Action:        ledger.ActionOpen,
		Quantity:      qty,
		Price:         d.Price,
		Notional:      broker.Notional(qty, d.Price),
		ScaleFactor:   1,
		DryRun:        m.DryRun,
	}
	if reason := c.outsideBand(d.MasterID, d.Confidence); reason != "" {
		entry.Outcome = ledger.OutcomeSkipped
		entry.Reason = reason
		c.recordMaster(ctx, &entry)
		c.logger.Info().Str("master", d.MasterID).Str("symbol", d.Symbol).Str("reason", reason).Msg("Master entry filtered")
		return nil, fmt.Errorf("%w: %s", ErrConfidenceFiltered, reason)
	}

	p, res, err := c.positions.Open(ctx, position.OpenRequest{
		AccountID:     d.MasterID,
		Symbol:        d.Symbol,
		Side:          d.Side,
		Quantity:      qty,
		Price:         d.Price,
		MasterTradeID: tradeID,
	}, m)
	if err != nil {
		if !refusedLocally(err) {
			c.fail(ctx, &entry, err)
			c.recordMaster(ctx, &entry)
		}
		return nil, fmt.Errorf("failed to open master position: %w", err)
	}
	entry.Outcome = ledger.OutcomeSucceeded
	entry.Reason = "master opened"
	entry.BindingID = p.BindingID
	entry.FilledQty = res.FilledQty
	entry.AvgPrice = res.AvgPrice
	entry.Fees = res.Fees
	entry.DryRun = res.Simulated
	c.recordMaster(ctx, &entry)

	summary := c.OnMasterFill(ctx, MasterFill{
		MasterTradeID: tradeID,
		MasterID:      d.MasterID,
		Symbol:        d.Symbol,
		Side:          d.Side,
		Action:        ledger.ActionOpen,
		Quantity:      res.FilledQty,
		Price:         res.AvgPrice,
		Confidence:    d.Confidence,
	})
	summary.Source = append(summary.Source, entry)
	return summary, nil
}

// CloseMaster closes a fraction of a master position on operator request
// and propagates it.
func (c *Copier) CloseMaster(ctx context.Context, masterID, symbol string, fraction float64, reason string) (*ledger.Summary, error) {
	p, err := c.positions.Get(ctx, masterID, symbol)
	if err != nil {
		return nil, err
	}
	return c.closeMaster(ctx, p, fraction, 0, reason)
}

// closeMaster closes part of the master position and hands followers the
// share the master actually closed. Rounding on the master may turn a
// partial request into a full close.
func (c *Copier) closeMaster(ctx context.Context, before *position.Position, fraction, price float64, reason string) (*ledger.Summary, error) {
	m := c.modes.Current()
	if price <= 0 {
		price = before.LastPrice
	}
	tradeID := uuid.NewString()
	entry := ledger.Entry{
		MasterTradeID: tradeID,
		Origin:        ledger.OriginMaster,
		AccountID:     before.AccountID,
		BindingID:     before.BindingID,
		Symbol:        before.Symbol,
		Side:          string(before.ExitSide()),
		Action:        ledger.ActionClose,
		Price:         price,
		ScaleFactor:   math.Min(fraction, 1),
		DryRun:        m.DryRun || before.DryRun,
	}
	res, qty, err := c.positions.Close(ctx, position.CloseRequest{
		AccountID:     before.AccountID,
		Symbol:        before.Symbol,
		Fraction:      fraction,
		Price:         price,
		Reason:        reason,
		MasterTradeID: tradeID,
	}, m)
	entry.Quantity = qty
	entry.Notional = broker.Notional(qty, price)
	if err != nil {
		if !refusedLocally(err) {
			c.fail(ctx, &entry, err)
			c.recordMaster(ctx, &entry)
		}
		return nil, err
	}

	closed := 1.0
	if before.RemainingQty > 0 {
		closed = math.Min(res.FilledQty/before.RemainingQty, 1)
	}
	if _, err := c.positions.Get(ctx, before.AccountID, before.Symbol); errors.Is(err, position.ErrPositionNotFound) {
		closed = 1
	}
	entry.Outcome = ledger.OutcomeSucceeded
	entry.Reason = reason
	entry.ScaleFactor = closed
	entry.FilledQty = res.FilledQty
	entry.AvgPrice = res.AvgPrice
	entry.Fees = res.Fees
	entry.DryRun = res.Simulated
	c.recordMaster(ctx, &entry)

	summary := c.OnMasterFill(ctx, MasterFill{
		MasterTradeID: tradeID,
		MasterID:      before.AccountID,
		Symbol:        before.Symbol,
		Side:          res.Side,
		Action:        ledger.ActionClose,
		Quantity:      res.FilledQty,
		Price:         res.AvgPrice,
		Fraction:      closed,
		Reason:        reason,
	})
	summary.Source = append(summary.Source, entry)
	return summary, nil
}

// outsideBand returns why the confidence is refused for the account's tier,
// or "" when it passes. Only the smallest tier carries a band.
func (c *Copier) outsideBand(accountID string, confidence float64) string {
	tier, err := c.registry.TierIn(c.registry.Snapshot(), accountID)
	if err != nil || !c.registry.Tiers().Smallest(tier) || tier.ConfidenceBand == nil ||
		tier.ConfidenceBand.Contains(confidence) {
		return ""
	}
	return fmt.Sprintf("confidence %.2f outside %s tier band [%.2f, %.2f]",
		confidence, tier.Name, tier.ConfidenceBand.Min, tier.ConfidenceBand.Max)
}

// refusedLocally reports errors raised before any order was attempted.
func refusedLocally(err error) bool {
	return errors.Is(err, position.ErrPositionExists) ||
		errors.Is(err, position.ErrPositionNotFound) ||
		errors.Is(err, position.ErrNotOpen) ||
		errors.Is(err, position.ErrBelowMinimum) ||
		errors.Is(err, position.ErrInvalidQuantity)
}

func (c *Copier) recordMaster(ctx context.Context, e *ledger.Entry) {
	if c.ledger == nil {
		return
	}
	recorded, err := c.ledger.Record(context.WithoutCancel(ctx), *e)
	if err != nil {
		c.logger.Error().Err(err).Str("master", e.AccountID).Str("trade", e.MasterTradeID).Msg("Failed to record master order")
		return
	}
	*e = recorded
}

// OnEngineExit propagates exits the position engine took on a master
// account by itself (profit steps, stops, time limits). Followers are
// recorded under the trade id of the master's exit.
func (c *Copier) OnEngineExit(ctx context.Context, f position.ExitFill) {
	a, err := c.registry.Get(f.AccountID)
	if err != nil || a.Role != account.RoleMaster {
		return
	}
	fraction := f.Fraction
	if f.Full {
		fraction = 1
	}
	tradeID := f.MasterTradeID
	if tradeID == "" {
		tradeID = uuid.NewString()
	}
	c.OnMasterFill(ctx, MasterFill{
		MasterTradeID: tradeID,
		MasterID:      f.AccountID,
		Symbol:        f.Symbol,
		Side:          f.Side,
		Action:        ledger.ActionClose,
		Quantity:      f.Quantity,
		Price:         f.Price,
		Fraction:      fraction,
		Reason:        "master exit: " + f.Reason,
	})
}

// OnMasterFill replicates one master fill to every enabled follower. Each
// follower runs on its own goroutine with its own timeout and produces
// exactly one ledger entry, unless the same fill was already applied to it.
func (c *Copier) OnMasterFill(ctx context.Context, fill MasterFill) *ledger.Summary {
	ctx, logger := logging.WithTrace(ctx, c.logger, fill.MasterTradeID)
	followers := c.registry.Followers(fill.MasterID)
	snap := c.registry.Snapshot()
	m := c.modes.Current()

	results := make([]*ledger.Entry, len(followers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, f := range followers {
		i, f := i, f
		g.Go(func() error {
			fctx := gctx
			if c.cfg.FollowerTimeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(gctx, c.cfg.FollowerTimeout)
				defer cancel()
			}
			results[i] = c.dispatch(fctx, logger, f, fill, snap, m)
			return nil
		})
	}
	_ = g.Wait()

	summary := &ledger.Summary{MasterTradeID: fill.MasterTradeID, Symbol: fill.Symbol, Action: fill.Action}
	for _, e := range results {
		if e == nil {
			summary.Duplicates++
			continue
		}
		summary.Add(*e)
	}

	logger.Info().Str("master", fill.MasterID).Str("symbol", fill.Symbol).Str("action", string(fill.Action)).
		Int("followers", len(followers)).Int("succeeded", summary.Succeeded).Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).Int("blocked", summary.Blocked).Int("duplicates", summary.Duplicates).
		Msg("Copy dispatch complete")
	c.bus.Publish(events.Event{
		Type: events.EventCopySummary,
		Data: map[string]interface{}{
			"master_trade_id": fill.MasterTradeID,
			"master_id":       fill.MasterID,
			"symbol":          fill.Symbol,
			"action":          string(fill.Action),
			"succeeded":       summary.Succeeded,
			"failed":          summary.Failed,
			"skipped":         summary.Skipped,
			"blocked":         summary.Blocked,
			"duplicates":      summary.Duplicates,
		},
	})
	return summary
}

// dispatch handles one follower and records its entry. It returns nil for
// an already-applied fill.
func (c *Copier) dispatch(ctx context.Context, logger zerolog.Logger, f account.Account, fill MasterFill, snap *account.Snapshot, m mode.Mode) *ledger.Entry {
	if c.ledger != nil {
		done, err := c.ledger.HasSucceeded(ctx, fill.MasterTradeID, f.ID, fill.Action)
		if err != nil {
			logger.Warn().Err(err).Str("follower", f.ID).Msg("Duplicate check failed, dispatching anyway")
		} else if done {
			logger.Info().Str("follower", f.ID).Msg("Master trade already applied to follower")
			return nil
		}
	}

	entry := ledger.Entry{
		MasterTradeID: fill.MasterTradeID,
		Origin:        ledger.OriginCopy,
		AccountID:     f.ID,
		Symbol:        fill.Symbol,
		Side:          string(fill.Side),
		Action:        fill.Action,
		Price:         fill.Price,
		DryRun:        m.DryRun,
	}
	if fill.Action == ledger.ActionOpen {
		c.copyOpen(ctx, f, fill, snap, m, &entry)
	} else {
		c.copyClose(ctx, f, fill, m, &entry)
	}

	ev := logger.Info()
	if entry.Outcome == ledger.OutcomeFailed {
		ev = logger.Warn()
	}
	ev.Str("follower", f.ID).Str("outcome", string(entry.Outcome)).Float64("quantity", entry.Quantity).
		Float64("scale", entry.ScaleFactor).Str("reason", entry.Reason).Msg("Follower order")

	if c.ledger != nil {
		recorded, err := c.ledger.Record(context.WithoutCancel(ctx), entry)
		if err != nil {
			logger.Error().Err(err).Str("follower", f.ID).Msg("Failed to record ledger entry")
		} else {
			entry = recorded
		}
	}
	return &entry
}

func (c *Copier) copyOpen(ctx context.Context, f account.Account, fill MasterFill, snap *account.Snapshot, m mode.Mode, e *ledger.Entry) {
	skip := func(reason string) {
		e.Outcome = ledger.OutcomeSkipped
		e.Reason = reason
	}
	if !c.registry.Routable(f.ID) {
		skip("no healthy binding")
		return
	}
	masterBal, ok := snap.Balance(fill.MasterID)
	if !ok || masterBal <= 0 {
		skip("no master balance in snapshot")
		return
	}
	followerBal, ok := snap.Balance(f.ID)
	if !ok || followerBal <= 0 {
		skip("no follower balance in snapshot")
		return
	}

	tier, err := c.registry.TierIn(snap, f.ID)
	if err != nil {
		skip(err.Error())
		return
	}
	if c.registry.Tiers().Smallest(tier) && tier.ConfidenceBand != nil && !tier.ConfidenceBand.Contains(fill.Confidence) {
		skip(fmt.Sprintf("confidence %.2f outside %s tier band [%.2f, %.2f]",
			fill.Confidence, tier.Name, tier.ConfidenceBand.Min, tier.ConfidenceBand.Max))
		return
	}
	limits := tier.LimitsFor(followerBal)

	factor := followerBal / masterBal
	maxFactor := c.cfg.MaxScaleFactor
	if f.Copy.MaxScaleFactor > 0 && (maxFactor <= 0 || f.Copy.MaxScaleFactor < maxFactor) {
		maxFactor = f.Copy.MaxScaleFactor
	}
	if maxFactor > 0 && factor > maxFactor {
		factor = maxFactor
	}
	e.ScaleFactor = factor

	rules := c.symbols.Rules(fill.Symbol)
	raw := decimal.NewFromFloat(fill.Quantity).Mul(decimal.NewFromFloat(factor)).InexactFloat64()
	qty := rules.RoundQty(raw)
	capNotional := limits.MaxPositionNotional * c.cfg.TierUtilization
	if broker.Notional(qty, fill.Price) > capNotional {
		qty = rules.QtyForNotional(capNotional, fill.Price)
		e.Reason = fmt.Sprintf("clamped to %.2f of %s tier cap", capNotional, tier.Name)
	}
	e.Quantity = qty
	e.Notional = broker.Notional(qty, fill.Price)
	if !rules.MeetsMinimum(qty, fill.Price) {
		skip(fmt.Sprintf("size %v (notional %.2f) below exchange minimum", qty, e.Notional))
		return
	}

	p, res, err := c.positions.Open(ctx, position.OpenRequest{
		AccountID:     f.ID,
		Symbol:        fill.Symbol,
		Side:          fill.Side,
		Quantity:      qty,
		Price:         fill.Price,
		MasterTradeID: fill.MasterTradeID,
	}, m)
	if err != nil {
		c.fail(ctx, e, err)
		return
	}
	e.Outcome = ledger.OutcomeSucceeded
	if e.Reason == "" {
		e.Reason = fmt.Sprintf("copied at scale %.4f", factor)
	}
	e.BindingID = p.BindingID
	e.FilledQty = res.FilledQty
	e.AvgPrice = res.AvgPrice
	e.Fees = res.Fees
	e.DryRun = res.Simulated
}

// copyClose applies the master's closed fraction to the follower's
// remaining quantity, whatever the follower's own exit rules say.
func (c *Copier) copyClose(ctx context.Context, f account.Account, fill MasterFill, m mode.Mode, e *ledger.Entry) {
	p, err := c.positions.Get(ctx, f.ID, fill.Symbol)
	if err != nil {
		e.Outcome = ledger.OutcomeSkipped
		e.Reason = "no open position to close"
		return
	}
	fraction := fill.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	e.Side = string(p.ExitSide())
	e.BindingID = p.BindingID
	e.ScaleFactor = fraction

	res, qty, err := c.positions.Close(ctx, position.CloseRequest{
		AccountID:     f.ID,
		Symbol:        fill.Symbol,
		Fraction:      fraction,
		Price:         fill.Price,
		Reason:        fill.Reason,
		MasterTradeID: fill.MasterTradeID,
	}, m)
	e.Quantity = qty
	e.Notional = broker.Notional(qty, fill.Price)
	if err != nil {
		if errors.Is(err, position.ErrBelowMinimum) {
			e.Outcome = ledger.OutcomeSkipped
			e.Reason = "partial close below exchange minimum"
			return
		}
		if errors.Is(err, position.ErrNotOpen) {
			e.Outcome = ledger.OutcomeSkipped
			e.Reason = err.Error()
			return
		}
		c.fail(ctx, e, err)
		return
	}
	e.Outcome = ledger.OutcomeSucceeded
	e.Reason = fill.Reason
	e.FilledQty = res.FilledQty
	e.AvgPrice = res.AvgPrice
	e.Fees = res.Fees
	e.DryRun = res.Simulated
}

func (c *Copier) fail(ctx context.Context, e *ledger.Entry, err error) {
	var blocked *risk.BlockedError
	switch {
	case errors.As(err, &blocked):
		e.Outcome = ledger.OutcomeBlocked
		e.Reason = blocked.Reason
		e.ErrorKind = blocked.Metric
	case errors.Is(err, position.ErrPositionExists):
		e.Outcome = ledger.OutcomeSkipped
		e.Reason = "follower already holds this symbol"
	case ctx.Err() != nil:
		e.Outcome = ledger.OutcomeFailed
		e.Reason = "timed out: " + broker.Reason(err)
		e.ErrorKind = string(broker.KindNetwork)
	default:
		e.Outcome = ledger.OutcomeFailed
		e.Reason = broker.Reason(err)
		e.ErrorKind = string(broker.KindOf(err))
	}
}
