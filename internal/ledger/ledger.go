package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/observ"
)

// Ledger is the authoritative in-process snapshot of current holdings.
// Quantity here is the single source of truth for "can I sell this" — the
// validator re-reads it on every call instead of keeping its own count.
//
// Mutations come from exactly two places: ApplyDelta after a confirmed broker
// fill, and ReplaceSnapshot from the reconciler. Both hold the write lock for
// the full operation, so a reader can never observe a half-replaced snapshot.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{positions: make(map[string]domain.Position)}
}

// Get returns the position for a symbol. Absence means zero holding and is
// not an error.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	return pos, ok
}

// Snapshot returns a point-in-time copy of all positions, sorted by symbol
// for deterministic iteration.
func (l *Ledger) Snapshot() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TotalValue returns the sum of absolute market values across all positions.
func (l *Ledger) TotalValue() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(pos.MarketValue.Abs())
	}
	return total
}

// AllocationByClass returns the absolute market value held per asset class.
func (l *Ledger) AllocationByClass() map[domain.AssetClass]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	alloc := make(map[domain.AssetClass]decimal.Decimal, len(domain.AssetClasses))
	for _, pos := range l.positions {
		alloc[pos.AssetClass] = alloc[pos.AssetClass].Add(pos.MarketValue.Abs())
	}
	return alloc
}

// UnrealizedTotal returns the sum of unrealized P&L across all positions.
func (l *Ledger) UnrealizedTotal() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

// ApplyDelta applies a confirmed fill to the ledger. It must only be called
// after the broker confirms the fill — never optimistically on submission.
//
// Adding to a position recomputes the average entry price as a weighted
// average. Reducing realizes P&L against the average entry; the realized
// amount is returned so the daily-loss tracker can consume it. A position
// whose quantity reaches zero is removed entirely.
func (l *Ledger) ApplyDelta(symbol string, class domain.AssetClass, qtyDelta, fillPrice decimal.Decimal, at time.Time) (domain.Position, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if qtyDelta.IsZero() {
		return domain.Position{}, decimal.Zero, fmt.Errorf("ledger: zero quantity delta for %s", symbol)
	}
	if fillPrice.Sign() <= 0 {
		return domain.Position{}, decimal.Zero, fmt.Errorf("ledger: non-positive fill price %s for %s", fillPrice, symbol)
	}

	realized := decimal.Zero
	pos, exists := l.positions[symbol]

	if !exists {
		pos = domain.Position{
			Symbol:        symbol,
			AssetClass:    class,
			Quantity:      qtyDelta,
			AvgEntryPrice: fillPrice,
			MarketValue:   qtyDelta.Mul(fillPrice),
			OpenedAt:      at,
		}
		l.positions[symbol] = pos
		observ.SetGauge("ledger_positions", float64(len(l.positions)), nil)
		return pos, realized, nil
	}

	sameDirection := pos.Quantity.Sign() == qtyDelta.Sign()
	if sameDirection {
		// Weighted-average entry across the old lot and the new fill.
		oldCost := pos.AvgEntryPrice.Mul(pos.Quantity)
		newCost := fillPrice.Mul(qtyDelta)
		pos.Quantity = pos.Quantity.Add(qtyDelta)
		pos.AvgEntryPrice = oldCost.Add(newCost).Div(pos.Quantity)
	} else {
		closed := decimal.Min(pos.Quantity.Abs(), qtyDelta.Abs())
		// Realized P&L carries the sign of the original position.
		perUnit := fillPrice.Sub(pos.AvgEntryPrice)
		if pos.Quantity.Sign() < 0 {
			perUnit = perUnit.Neg()
		}
		realized = perUnit.Mul(closed)

		pos.Quantity = pos.Quantity.Add(qtyDelta)
		if pos.Quantity.IsZero() {
			delete(l.positions, symbol)
			observ.SetGauge("ledger_positions", float64(len(l.positions)), nil)
			pos.MarketValue = decimal.Zero
			pos.UnrealizedPnL = decimal.Zero
			return pos, realized, nil
		}
		if pos.Quantity.Sign() == qtyDelta.Sign() {
			// Reversed through zero: the surviving lot was opened at the fill.
			pos.AvgEntryPrice = fillPrice
			pos.OpenedAt = at
		}
	}

	pos.MarketValue = pos.Quantity.Mul(fillPrice)
	pos.UnrealizedPnL = fillPrice.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
	l.positions[symbol] = pos
	observ.SetGauge("ledger_positions", float64(len(l.positions)), nil)
	return pos, realized, nil
}

// MarkPrice refreshes market value and unrealized P&L for a symbol from the
// latest trade price. No-op for symbols not held.
func (l *Ledger) MarkPrice(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok || price.Sign() <= 0 {
		return
	}
	pos.MarketValue = pos.Quantity.Mul(price)
	pos.UnrealizedPnL = price.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
	l.positions[symbol] = pos
}

// ReplaceSnapshot atomically swaps the entire position map for the broker's
// authoritative view. Only the reconciler calls this. Zero-quantity rows in
// the incoming snapshot are dropped so phantom entries never outlive a
// reconciliation cycle.
func (l *Ledger) ReplaceSnapshot(positions []domain.Position) {
	next := make(map[string]domain.Position, len(positions))
	for _, pos := range positions {
		if pos.Quantity.IsZero() {
			continue
		}
		next[pos.Symbol] = pos
	}

	l.mu.Lock()
	l.positions = next
	l.mu.Unlock()
	observ.SetGauge("ledger_positions", float64(len(next)), nil)
}
