package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/observ"
)

// Rule names, reported on violations so a rejection always says which bound
// it hit. Evaluation order is fixed and short-circuits on first failure.
const (
	RuleSymbolFormat    = "symbol_format"
	RuleConcentration   = "max_position_size_pct"
	RulePositionValue   = "max_position_value"
	RuleClassAllocation = "max_allocation_pct_per_asset_class"
	RuleDailyLoss       = "max_daily_loss_pct"
)

// Violation describes the first rule a candidate failed.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
}

// LedgerView is the read-only slice of ledger state the policy needs.
type LedgerView interface {
	Get(symbol string) (domain.Position, bool)
	AllocationByClass() map[domain.AssetClass]decimal.Decimal
}

// Policy evaluates candidate trades against the configured limits.
// Construction fails closed: invalid or unset limits never become a running
// policy.
type Policy struct {
	limits Limits
	rules  SymbolRules
	day    *DayTracker
}

// NewPolicy validates the configuration and returns a ready policy.
func NewPolicy(limits Limits, rules SymbolRules) (*Policy, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &Policy{
		limits: limits,
		rules:  rules,
		day:    NewDayTracker(limits.MaxDailyLossPct),
	}, nil
}

// Day exposes the daily-loss tracker so the engine can feed it NAV marks.
func (p *Policy) Day() *DayTracker { return p.day }

// Limits returns the active configuration (read-only copy).
func (p *Policy) Limits() Limits { return p.limits }

// Rules returns the active symbol formatting rules.
func (p *Policy) Rules() SymbolRules { return p.rules }

// Evaluate runs the rules in order against current ledger state, returning
// the first violation or nil when the candidate passes. price is the current
// market price for the candidate's symbol and nav the portfolio's net asset
// value; both are required inputs — without them there is no decision, and
// the error says so rather than falling back to a guessed value.
func (p *Policy) Evaluate(c domain.CandidateTrade, view LedgerView, price, nav decimal.Decimal, now time.Time) (*Violation, error) {
	// Rule 1: symbol format, before any arithmetic.
	if err := CheckSymbolFormat(c.Symbol, c.AssetClass, p.rules); err != nil {
		p.countViolation(RuleSymbolFormat)
		return &Violation{Rule: RuleSymbolFormat, Detail: err.Error()}, nil
	}

	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no market price for %s", domain.ErrNoDecision, c.Symbol)
	}
	if nav.Sign() <= 0 {
		return nil, fmt.Errorf("%w: portfolio NAV unavailable", domain.ErrNoDecision)
	}

	notional := c.Quantity.Mul(price)
	held := decimal.Zero
	if pos, ok := view.Get(c.Symbol); ok {
		held = pos.MarketValue.Abs()
	}
	postValue := held.Add(notional)
	if c.Side == domain.SideSell {
		postValue = decimal.Max(held.Sub(notional), decimal.Zero)
	}

	// Rule 2: post-trade per-symbol concentration.
	pct := decimal.NewFromInt(100)
	concentration := postValue.Div(nav).Mul(pct)
	if concentration.GreaterThan(decimal.NewFromFloat(p.limits.MaxPositionSizePct)) {
		p.countViolation(RuleConcentration)
		return &Violation{
			Rule:   RuleConcentration,
			Detail: fmt.Sprintf("post-trade concentration %s%% exceeds cap %v%%", concentration.StringFixed(2), p.limits.MaxPositionSizePct),
		}, nil
	}

	// Rule 3: post-trade per-symbol absolute value.
	if postValue.GreaterThan(decimal.NewFromFloat(p.limits.MaxPositionValue)) {
		p.countViolation(RulePositionValue)
		return &Violation{
			Rule:   RulePositionValue,
			Detail: fmt.Sprintf("post-trade value %s exceeds cap %v", postValue.StringFixed(2), p.limits.MaxPositionValue),
		}, nil
	}

	// Rule 4: post-trade per-asset-class allocation.
	classValue := p.postClassAllocation(c, view, notional)
	classCap := p.limits.MaxAllocationPctPerClass[c.AssetClass]
	classPct := classValue.Div(nav).Mul(pct)
	if classPct.GreaterThan(decimal.NewFromFloat(classCap)) {
		p.countViolation(RuleClassAllocation)
		return &Violation{
			Rule:   RuleClassAllocation,
			Detail: fmt.Sprintf("post-trade %s allocation %s%% exceeds cap %v%%", c.AssetClass, classPct.StringFixed(2), classCap),
		}, nil
	}

	// Rule 5: daily loss breaker. Only BUYs are blocked; SELLs may de-risk.
	if p.day.Observe(nav, now) && c.Side == domain.SideBuy {
		p.countViolation(RuleDailyLoss)
		return &Violation{
			Rule:   RuleDailyLoss,
			Detail: fmt.Sprintf("daily loss %.2f%% reached cap %v%%, buys suspended for the day", p.day.LossPct(), p.limits.MaxDailyLossPct),
		}, nil
	}

	return nil, nil
}

func (p *Policy) postClassAllocation(c domain.CandidateTrade, view LedgerView, notional decimal.Decimal) decimal.Decimal {
	current := view.AllocationByClass()[c.AssetClass]
	if c.Side == domain.SideSell {
		return decimal.Max(current.Sub(notional), decimal.Zero)
	}
	return current.Add(notional)
}

func (p *Policy) countViolation(rule string) {
	observ.IncCounter("risk_violations_total", map[string]string{"rule": rule})
}
