package strategy

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/domain"
)

// SimSymbol is one instrument the sim strategy trades.
type SimSymbol struct {
	Symbol     string
	AssetClass domain.AssetClass
	MaxQty     decimal.Decimal
}

// Sim emits random small candidates over a fixed symbol set. It exists to
// drive paper mode end to end; it has no opinion worth money.
type Sim struct {
	symbols []SimSymbol
	random  *rand.Rand
}

// NewSim creates a sim strategy over the given symbols.
func NewSim(symbols []SimSymbol) *Sim {
	return &Sim{
		symbols: symbols,
		random:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Sim) Name() string { return "sim" }

// Candidates emits at most one candidate per call, sometimes none.
func (s *Sim) Candidates(ctx context.Context) ([]domain.CandidateTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.symbols) == 0 || s.random.Intn(3) == 0 {
		return nil, nil
	}

	pick := s.symbols[s.random.Intn(len(s.symbols))]
	side := domain.SideBuy
	if s.random.Intn(2) == 1 {
		side = domain.SideSell
	}
	// Random fraction of the per-symbol max, two decimal places.
	fraction := decimal.New(int64(1+s.random.Intn(100)), -2)

	return []domain.CandidateTrade{{
		Symbol:      pick.Symbol,
		AssetClass:  pick.AssetClass,
		Side:        side,
		Quantity:    pick.MaxQty.Mul(fraction),
		Confidence:  s.random.Float64(),
		StrategyID:  s.Name(),
		RequestedAt: time.Now().UTC(),
	}}, nil
}
