package broker

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// SymbolRules are the exchange order filters for a symbol.
type SymbolRules struct {
	Symbol      string  `json:"symbol" yaml:"symbol"`
	StepSize    float64 `json:"step_size" yaml:"step_size"`
	MinQty      float64 `json:"min_qty" yaml:"min_qty"`
	MinNotional float64 `json:"min_notional" yaml:"min_notional"`
}

// DefaultSymbolRules applies when a symbol has no configured filters.
var DefaultSymbolRules = SymbolRules{StepSize: 0.001, MinQty: 0.001, MinNotional: 5}

// RoundQty rounds qty down to the step size.
func (r SymbolRules) RoundQty(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	if r.StepSize <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(r.StepSize)
	rounded := q.Div(step).Floor().Mul(step)
	f, _ := rounded.Float64()
	return f
}

// Notional returns qty * price with decimal precision.
func Notional(qty, price float64) float64 {
	n, _ := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).Float64()
	return n
}

// MeetsMinimum reports whether qty at price satisfies the exchange
// minimum quantity and notional.
func (r SymbolRules) MeetsMinimum(qty, price float64) bool {
	if qty <= 0 || qty < r.MinQty {
		return false
	}
	if r.MinNotional > 0 && price > 0 && Notional(qty, price) < r.MinNotional {
		return false
	}
	return true
}

// QtyForNotional converts a notional cap into a step-rounded quantity.
func (r SymbolRules) QtyForNotional(notional, price float64) float64 {
	if notional <= 0 || price <= 0 {
		return 0
	}
	q, _ := decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price)).Float64()
	return r.RoundQty(q)
}

// SymbolBook holds exchange filters for every traded symbol.
type SymbolBook struct {
	mu    sync.RWMutex
	rules map[string]SymbolRules
	def   SymbolRules
}

func NewSymbolBook(rules []SymbolRules) *SymbolBook {
	b := &SymbolBook{rules: make(map[string]SymbolRules, len(rules)), def: DefaultSymbolRules}
	for _, r := range rules {
		b.Set(r)
	}
	return b
}

func (b *SymbolBook) Set(r SymbolRules) {
	b.mu.Lock()
	b.rules[strings.ToUpper(r.Symbol)] = r
	b.mu.Unlock()
}

// Rules returns the filters for symbol or the defaults.
func (b *SymbolBook) Rules(symbol string) SymbolRules {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rules[strings.ToUpper(symbol)]; ok {
		return r
	}
	r := b.def
	r.Symbol = symbol
	return r
}
