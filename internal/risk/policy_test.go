package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakrand/tradecore/internal/domain"
)

// stubView is a canned read-only ledger for policy tests.
type stubView struct {
	positions map[string]domain.Position
	alloc     map[domain.AssetClass]decimal.Decimal
}

func (s stubView) Get(symbol string) (domain.Position, bool) {
	pos, ok := s.positions[symbol]
	return pos, ok
}

func (s stubView) AllocationByClass() map[domain.AssetClass]decimal.Decimal {
	if s.alloc == nil {
		return map[domain.AssetClass]decimal.Decimal{}
	}
	return s.alloc
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	policy, err := NewPolicy(validLimits(), SymbolRules{CryptoPairDelimiter: "/"})
	require.NoError(t, err)
	return policy
}

func buy(symbol string, class domain.AssetClass, qty string) domain.CandidateTrade {
	return domain.CandidateTrade{Symbol: symbol, AssetClass: class, Side: domain.SideBuy, Quantity: dec(qty)}
}

func TestEvaluate_RequiresPriceAndNAV(t *testing.T) {
	policy := newTestPolicy(t)
	now := time.Now()

	_, err := policy.Evaluate(buy("AAPL", domain.AssetStock, "1"), stubView{}, decimal.Zero, dec("1000000"), now)
	assert.ErrorIs(t, err, domain.ErrNoDecision)

	_, err = policy.Evaluate(buy("AAPL", domain.AssetStock, "1"), stubView{}, dec("100"), decimal.Zero, now)
	assert.ErrorIs(t, err, domain.ErrNoDecision)
}

func TestEvaluate_SymbolFormatBeforeArithmetic(t *testing.T) {
	policy := newTestPolicy(t)

	// A malformed symbol must be reported as such even when price and NAV are
	// absent; the format check needs neither.
	v, err := policy.Evaluate(buy("BTCUSD", domain.AssetCrypto, "1"), stubView{}, decimal.Zero, decimal.Zero, time.Now())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, RuleSymbolFormat, v.Rule)
}

func TestEvaluate_ConcentrationCap(t *testing.T) {
	policy := newTestPolicy(t)

	// $200k buy against a $954k book is ~21% concentration, over the 15% cap.
	v, err := policy.Evaluate(buy("UNI/USD", domain.AssetCrypto, "20000"), stubView{}, dec("10"), dec("954000"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, RuleConcentration, v.Rule)
	assert.Contains(t, v.Detail, "20.96")
}

func TestEvaluate_PositionValueCap(t *testing.T) {
	policy := newTestPolicy(t)

	// 8% of NAV passes concentration but $160k breaches the absolute cap.
	v, err := policy.Evaluate(buy("AAPL", domain.AssetStock, "800"), stubView{}, dec("200"), dec("2000000"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, RulePositionValue, v.Rule)
}

func TestEvaluate_ClassAllocationCap(t *testing.T) {
	policy := newTestPolicy(t)
	view := stubView{
		alloc: map[domain.AssetClass]decimal.Decimal{domain.AssetCrypto: dec("550000")},
	}

	// Post-trade crypto allocation 610k/2M = 30.5%, over the 30% cap, while
	// the per-symbol checks all pass.
	v, err := policy.Evaluate(buy("ETH/USD", domain.AssetCrypto, "20"), view, dec("3000"), dec("2000000"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, RuleClassAllocation, v.Rule)
}

func TestEvaluate_SellReducesExposure(t *testing.T) {
	policy := newTestPolicy(t)
	view := stubView{
		positions: map[string]domain.Position{
			"AAPL": {Symbol: "AAPL", AssetClass: domain.AssetStock, Quantity: dec("800"), MarketValue: dec("160000")},
		},
		alloc: map[domain.AssetClass]decimal.Decimal{domain.AssetStock: dec("160000")},
	}

	// The held position already exceeds the value cap, but a SELL shrinks it;
	// blocking the exit would be absurd.
	sell := domain.CandidateTrade{Symbol: "AAPL", AssetClass: domain.AssetStock, Side: domain.SideSell, Quantity: dec("100")}
	v, err := policy.Evaluate(sell, view, dec("200"), dec("2000000"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluate_DailyLossBlocksOnlyBuys(t *testing.T) {
	policy := newTestPolicy(t)
	now := time.Now()

	policy.Day().Observe(dec("1000000"), now)
	// 4% down on the day, over the 3% cap: breaker latches.
	policy.Day().Observe(dec("960000"), now)
	require.True(t, policy.Day().Breached(now))

	v, err := policy.Evaluate(buy("AAPL", domain.AssetStock, "1"), stubView{}, dec("100"), dec("960000"), now)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, RuleDailyLoss, v.Rule)

	sell := domain.CandidateTrade{Symbol: "AAPL", AssetClass: domain.AssetStock, Side: domain.SideSell, Quantity: dec("1")}
	v, err = policy.Evaluate(sell, stubView{
		positions: map[string]domain.Position{"AAPL": {Symbol: "AAPL", Quantity: dec("5"), MarketValue: dec("500")}},
	}, dec("100"), dec("960000"), now)
	require.NoError(t, err)
	assert.Nil(t, v, "sells must stay allowed so the book can de-risk")
}

func TestEvaluate_RuleOrderShortCircuits(t *testing.T) {
	policy := newTestPolicy(t)

	// Violates both the concentration and value caps; the first rule in order
	// must be the one reported.
	v, err := policy.Evaluate(buy("AAPL", domain.AssetStock, "10000"), stubView{}, dec("100"), dec("2000000"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, RuleConcentration, v.Rule)
}

func TestDayTracker_ResetsOnNewDay(t *testing.T) {
	tracker := NewDayTracker(3)
	day1 := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	tracker.Observe(dec("1000000"), day1)
	breached := tracker.Observe(dec("950000"), day1)
	assert.True(t, breached)
	assert.True(t, tracker.Breached(day1))
	assert.InDelta(t, 5.0, tracker.LossPct(), 0.001)

	// A recovery within the same day does not unlatch.
	breached = tracker.Observe(dec("999000"), day1)
	assert.True(t, breached, "the breaker holds for the rest of the day")

	day2 := day1.Add(24 * time.Hour)
	assert.False(t, tracker.Breached(day2))
	assert.False(t, tracker.Observe(dec("999000"), day2))
}
