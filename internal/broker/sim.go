package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/domain"
)

// Sim is an in-memory broker for paper trading and tests. It keeps its own
// position book — deliberately separate from the ledger — so reconciliation
// has a real counterparty to diff against, and simulates fill latency and
// slippage the way a live venue behaves.
type Sim struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	prices    map[string]decimal.Decimal
	random    *rand.Rand

	latencyMin  time.Duration
	latencyMax  time.Duration
	slippageBps int

	failNext int // remaining calls to fail with an unavailable error
}

// NewSim returns a sim broker with no positions and no known prices.
func NewSim() *Sim {
	return &Sim{
		positions:   make(map[string]domain.Position),
		prices:      make(map[string]decimal.Decimal),
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
		latencyMin:  5 * time.Millisecond,
		latencyMax:  30 * time.Millisecond,
		slippageBps: 3,
	}
}

// SetPrice sets the last trade price for a symbol.
func (s *Sim) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetPosition seeds a broker-side position, e.g. to manufacture drift in
// reconciliation tests.
func (s *Sim) SetPosition(pos domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.Quantity.IsZero() {
		delete(s.positions, pos.Symbol)
		return
	}
	s.positions[pos.Symbol] = pos
}

// FailNext makes the next n calls fail with an unavailable error, for
// exercising the retry and BROKER_UNAVAILABLE paths.
func (s *Sim) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Sim) takeFailure(op string) error {
	if s.failNext > 0 {
		s.failNext--
		return &Error{Kind: KindUnavailable, Op: op, Message: "simulated outage"}
	}
	return nil
}

// ListPositions returns a copy of the sim's book.
func (s *Sim) ListPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("list_positions"); err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	return out, nil
}

// SubmitOrder fills a market order against the sim book with latency and
// slippage jitter.
func (s *Sim) SubmitOrder(ctx context.Context, order Order) (Fill, error) {
	s.mu.Lock()
	err := s.takeFailure("submit_order")
	price, known := s.prices[order.Symbol]
	latency := s.latencyMin + time.Duration(s.random.Int63n(int64(s.latencyMax-s.latencyMin)+1))
	slip := s.random.Intn(s.slippageBps + 1)
	s.mu.Unlock()

	if err != nil {
		return Fill{}, err
	}
	select {
	case <-ctx.Done():
		return Fill{}, ctx.Err()
	case <-time.After(latency):
	}
	if !known {
		return Fill{}, &Error{Kind: KindBadSymbol, Op: "submit_order", Symbol: order.Symbol, Message: "symbol not traded on sim venue"}
	}

	// Slippage works against the taker.
	bps := decimal.New(int64(slip), -4)
	fillPrice := price.Mul(decimal.NewFromInt(1).Add(bps))
	if order.Side == domain.SideSell {
		fillPrice = price.Mul(decimal.NewFromInt(1).Sub(bps))
	}

	qtyDelta := order.Quantity
	if order.Side == domain.SideSell {
		qtyDelta = qtyDelta.Neg()
	}

	s.mu.Lock()
	s.applyToBook(order.Symbol, order.AssetClass, qtyDelta, fillPrice)
	s.mu.Unlock()

	return Fill{
		OrderID:  uuid.NewString(),
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    fillPrice,
		FilledAt: time.Now().UTC(),
	}, nil
}

func (s *Sim) applyToBook(symbol string, class domain.AssetClass, qtyDelta, price decimal.Decimal) {
	pos, ok := s.positions[symbol]
	if !ok {
		s.positions[symbol] = domain.Position{
			Symbol:        symbol,
			AssetClass:    class,
			Quantity:      qtyDelta,
			AvgEntryPrice: price,
			MarketValue:   qtyDelta.Mul(price),
			OpenedAt:      time.Now().UTC(),
		}
		return
	}
	pos.Quantity = pos.Quantity.Add(qtyDelta)
	if pos.Quantity.IsZero() {
		delete(s.positions, symbol)
		return
	}
	pos.MarketValue = pos.Quantity.Mul(price)
	pos.UnrealizedPnL = price.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
	s.positions[symbol] = pos
}

// LastPrice returns the configured price with a small random walk applied.
func (s *Sim) LastPrice(ctx context.Context, symbol string, class domain.AssetClass) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("last_price"); err != nil {
		return decimal.Zero, err
	}

	price, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, &Error{Kind: KindBadSymbol, Op: "last_price", Symbol: symbol, Message: "symbol not traded on sim venue"}
	}
	// ±5 bps jitter per read keeps marks from being perfectly static.
	jitter := decimal.New(int64(s.random.Intn(11)-5), -4)
	price = price.Mul(decimal.NewFromInt(1).Add(jitter))
	s.prices[symbol] = price
	return price, nil
}
