package risk

import (
	"fmt"

	"github.com/oakrand/tradecore/internal/domain"
)

// Limits is the risk limit configuration. Every field must be a concrete
// positive bound: an unset limit is a configuration error, never "unlimited".
// That rule exists because a missing concentration cap once let a single
// symbol grow to 61% of the portfolio.
type Limits struct {
	// MaxPositionSizePct caps post-trade per-symbol concentration as a
	// percentage of portfolio NAV (e.g. 15 means 15%).
	MaxPositionSizePct float64 `yaml:"max_position_size_pct"`

	// MaxPositionValue caps post-trade per-symbol absolute market value, in
	// account currency.
	MaxPositionValue float64 `yaml:"max_position_value"`

	// MaxDailyLossPct is the daily circuit breaker: once cumulative
	// realized+unrealized loss reaches this percentage of start-of-day NAV,
	// all further BUYs are rejected for the rest of the day.
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`

	// MaxAllocationPctPerClass caps post-trade allocation per asset class.
	// All traded classes must be present.
	MaxAllocationPctPerClass map[domain.AssetClass]float64 `yaml:"max_allocation_pct_per_asset_class"`
}

// Validate fails closed: any unset or non-positive limit aborts startup.
func (l Limits) Validate() error {
	if l.MaxPositionSizePct <= 0 {
		return fmt.Errorf("%w: max_position_size_pct must be a positive bound, got %v", domain.ErrConfiguration, l.MaxPositionSizePct)
	}
	if l.MaxPositionSizePct > 100 {
		return fmt.Errorf("%w: max_position_size_pct %v exceeds 100", domain.ErrConfiguration, l.MaxPositionSizePct)
	}
	if l.MaxPositionValue <= 0 {
		return fmt.Errorf("%w: max_position_value must be a positive bound, got %v", domain.ErrConfiguration, l.MaxPositionValue)
	}
	if l.MaxDailyLossPct <= 0 {
		return fmt.Errorf("%w: max_daily_loss_pct must be a positive bound, got %v", domain.ErrConfiguration, l.MaxDailyLossPct)
	}
	if len(l.MaxAllocationPctPerClass) == 0 {
		return fmt.Errorf("%w: max_allocation_pct_per_asset_class is unset", domain.ErrConfiguration)
	}
	for _, class := range domain.AssetClasses {
		allocCap, ok := l.MaxAllocationPctPerClass[class]
		if !ok {
			return fmt.Errorf("%w: no allocation cap configured for asset class %q", domain.ErrConfiguration, class)
		}
		if allocCap <= 0 || allocCap > 100 {
			return fmt.Errorf("%w: allocation cap for %q must be in (0,100], got %v", domain.ErrConfiguration, class, allocCap)
		}
	}
	for class := range l.MaxAllocationPctPerClass {
		if !class.Valid() {
			return fmt.Errorf("%w: allocation cap for unknown asset class %q", domain.ErrConfiguration, class)
		}
	}
	return nil
}

// SymbolRules holds per-asset-class symbol formatting requirements, supplied
// as configuration data because they vary by broker.
type SymbolRules struct {
	// CryptoPairDelimiter is the character the broker requires between base
	// and quote currency, e.g. "/" for "BTC/USD". Submitting "BTCUSD" to a
	// broker that wants "BTC/USD" was a real production failure.
	CryptoPairDelimiter string `yaml:"crypto_pair_delimiter"`
}

// Validate fails closed on missing formatting rules.
func (r SymbolRules) Validate() error {
	if r.CryptoPairDelimiter == "" {
		return fmt.Errorf("%w: crypto_pair_delimiter is unset", domain.ErrConfiguration)
	}
	return nil
}
