// Package strategy defines the boundary to the signal-generating modules.
// The engine consumes candidate trades and treats the confidence score as an
// opaque number; how a strategy arrives at it is not this system's business.
package strategy

import (
	"context"

	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/observ"
)

// Strategy produces candidate trades for one asset class.
type Strategy interface {
	Name() string
	Candidates(ctx context.Context) ([]domain.CandidateTrade, error)
}

// ConfidenceGate filters candidates below a minimum confidence before they
// reach the validator. It sits above the risk policy and does not replace it.
type ConfidenceGate struct {
	Min float64
}

// Filter returns the candidates at or above the threshold.
func (g ConfidenceGate) Filter(candidates []domain.CandidateTrade) []domain.CandidateTrade {
	out := make([]domain.CandidateTrade, 0, len(candidates))
	for _, c := range candidates {
		if c.Confidence < g.Min {
			observ.IncCounter("candidates_below_confidence_total", map[string]string{"strategy": c.StrategyID})
			continue
		}
		out = append(out, c)
	}
	return out
}
