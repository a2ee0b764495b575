// Package engine is the execution gate: every candidate trade passes through
// Validate before it can reach the broker, and the ledger is only updated
// from confirmed fills.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/oakrand/tradecore/internal/alerts"
	"github.com/oakrand/tradecore/internal/broker"
	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/ledger"
	"github.com/oakrand/tradecore/internal/observ"
	"github.com/oakrand/tradecore/internal/risk"
)

// DecisionSink persists decisions; the sqlite audit store implements it.
type DecisionSink interface {
	SaveDecision(ctx context.Context, d domain.TradeDecision) error
}

// Engine validates candidate trades against live ledger state and the risk
// policy, submits accepted ones, and applies confirmed fills back to the
// ledger. It keeps no cache of "do I hold this" — every validation re-reads
// the ledger, which is the fix for the stale-count phantom-sell incident.
type Engine struct {
	ledger  *ledger.Ledger
	policy  *risk.Policy
	broker  broker.Broker
	alerts  alerts.Sink
	audit   DecisionSink
	capital decimal.Decimal
	log     zerolog.Logger
	clock   func() time.Time

	mu       sync.Mutex
	realized decimal.Decimal // cumulative realized P&L since process start
	limiters map[domain.RejectReason]*rate.Limiter
}

// New wires the engine. capital is the cash base used for NAV.
func New(led *ledger.Ledger, policy *risk.Policy, brk broker.Broker, sink alerts.Sink, audit DecisionSink, capital decimal.Decimal, log zerolog.Logger) *Engine {
	return &Engine{
		ledger:   led,
		policy:   policy,
		broker:   brk,
		alerts:   sink,
		audit:    audit,
		capital:  capital,
		log:      log.With().Str("component", "engine").Logger(),
		clock:    time.Now,
		limiters: make(map[domain.RejectReason]*rate.Limiter),
	}
}

// SetClock overrides the engine clock (tests only).
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// NAV is capital plus cumulative realized P&L plus unrealized P&L on open
// positions.
func (e *Engine) NAV() decimal.Decimal {
	e.mu.Lock()
	realized := e.realized
	e.mu.Unlock()
	return e.capital.Add(realized).Add(e.ledger.UnrealizedTotal())
}

// Validate runs the full gate for one candidate and persists the resulting
// decision. It never submits an order. An error return means a required
// input was missing and no decision was produced at all.
func (e *Engine) Validate(ctx context.Context, c domain.CandidateTrade) (domain.TradeDecision, error) {
	d, err := e.evaluate(ctx, c)
	if err != nil {
		return domain.TradeDecision{}, err
	}
	e.record(ctx, d)
	return d, nil
}

// Execute validates, submits on acceptance, and applies the confirmed fill.
// Exactly one decision is persisted per candidate: the rejection, or the
// acceptance once the order's fate is known.
func (e *Engine) Execute(ctx context.Context, c domain.CandidateTrade) (domain.TradeDecision, error) {
	d, err := e.evaluate(ctx, c)
	if err != nil {
		return domain.TradeDecision{}, err
	}
	if d.Rejected() {
		e.record(ctx, d)
		return d, nil
	}

	fill, err := e.broker.SubmitOrder(ctx, broker.Order{
		Symbol:     c.Symbol,
		AssetClass: c.AssetClass,
		Side:       c.Side,
		Quantity:   c.Quantity,
	})
	if err != nil {
		// The order did not execute; the decision trail carries the broker's
		// own message. Retries already happened inside the broker client.
		d = e.decision(c, domain.OutcomeRejected, domain.ReasonBrokerUnavailable, err.Error())
		e.record(ctx, d)
		e.alerts.Send(domain.Alert{
			Severity:          "critical",
			Key:               "broker_submit_failed:" + c.Symbol,
			Message:           "order submission failed for " + c.Symbol + ": " + err.Error(),
			RecommendedAction: "check broker connectivity and credentials; candidate was rejected, nothing executed",
		})
		return d, nil
	}

	e.applyFill(c, fill)
	d.Detail = "filled " + fill.Quantity.String() + " @ " + fill.Price.String()
	e.record(ctx, d)
	return d, nil
}

// evaluate is the pure gate: ledger checks, then risk policy. No persistence.
func (e *Engine) evaluate(ctx context.Context, c domain.CandidateTrade) (domain.TradeDecision, error) {
	if c.Quantity.Sign() <= 0 {
		return domain.TradeDecision{}, fmt.Errorf("%w: candidate quantity must be positive, got %s",
			domain.ErrNoDecision, c.Quantity)
	}

	// Symbol format first, before any broker call or arithmetic.
	if err := risk.CheckSymbolFormat(c.Symbol, c.AssetClass, e.policy.Rules()); err != nil {
		return e.decision(c, domain.OutcomeRejected, domain.ReasonInvalidSymbolFormat, err.Error()), nil
	}

	// SELL gate: the live ledger quantity is the only truth consulted.
	if c.Side == domain.SideSell {
		pos, held := e.ledger.Get(c.Symbol)
		if !held {
			return e.decision(c, domain.OutcomeRejected, domain.ReasonPhantomSell,
				"no position held for "+c.Symbol), nil
		}
		if pos.Quantity.LessThan(c.Quantity) {
			return e.decision(c, domain.OutcomeRejected, domain.ReasonInsufficientQuantity,
				"requested "+c.Quantity.String()+" but ledger holds "+pos.Quantity.String()), nil
		}
	}

	price, err := e.broker.LastPrice(ctx, c.Symbol, c.AssetClass)
	if err != nil {
		if broker.IsUnavailable(err) {
			d := e.decision(c, domain.OutcomeRejected, domain.ReasonBrokerUnavailable, err.Error())
			e.alerts.Send(domain.Alert{
				Severity:          "warning",
				Key:               "broker_price_unavailable",
				Message:           "price fetch failed after retries: " + err.Error(),
				RecommendedAction: "check broker connectivity; candidates are being rejected, not guessed at",
			})
			return d, nil
		}
		return e.decision(c, domain.OutcomeRejected, domain.ReasonInvalidSymbolFormat, err.Error()), nil
	}
	e.ledger.MarkPrice(c.Symbol, price)

	violation, err := e.policy.Evaluate(c, e.ledger, price, e.NAV(), e.clock())
	if err != nil {
		// Missing required input: abort this analysis, no decision recorded.
		return domain.TradeDecision{}, err
	}
	if violation != nil {
		if violation.Rule == risk.RuleDailyLoss {
			e.alerts.Send(domain.Alert{
				Severity:          "critical",
				Key:               "daily_loss_breaker",
				Message:           violation.Detail,
				RecommendedAction: "buys suspended until next UTC day; sells remain allowed for de-risking",
			})
		}
		if violation.Rule == risk.RuleSymbolFormat {
			return e.decision(c, domain.OutcomeRejected, domain.ReasonInvalidSymbolFormat, violation.Detail), nil
		}
		return e.decision(c, domain.OutcomeRejected, domain.ReasonRiskLimitExceeded, violation.String()), nil
	}

	return e.decision(c, domain.OutcomeAccepted, "", ""), nil
}

// applyFill updates ledger and P&L tracking from a confirmed fill. This is
// the only path that mutates positions outside reconciliation.
func (e *Engine) applyFill(c domain.CandidateTrade, fill broker.Fill) {
	qtyDelta := fill.Quantity
	if fill.Side == domain.SideSell {
		qtyDelta = qtyDelta.Neg()
	}

	_, realized, err := e.ledger.ApplyDelta(fill.Symbol, c.AssetClass, qtyDelta, fill.Price, fill.FilledAt)
	if err != nil {
		// A confirmed fill that the ledger cannot absorb means internal state
		// has drifted; the reconciler will correct it, but say so loudly.
		e.log.Error().Err(err).Str("symbol", fill.Symbol).Msg("applying fill to ledger failed")
		e.alerts.Send(domain.Alert{
			Severity:          "critical",
			Key:               "fill_apply_failed:" + fill.Symbol,
			Message:           "confirmed fill could not be applied to ledger: " + err.Error(),
			RecommendedAction: "await reconciliation; broker state will overwrite the ledger",
		})
		return
	}

	e.mu.Lock()
	e.realized = e.realized.Add(realized)
	e.mu.Unlock()

	e.policy.Day().Observe(e.NAV(), e.clock())
	observ.IncCounter("fills_applied_total", map[string]string{"side": string(fill.Side)})
}

func (e *Engine) decision(c domain.CandidateTrade, outcome domain.Outcome, reason domain.RejectReason, detail string) domain.TradeDecision {
	return domain.TradeDecision{
		ID:        uuid.NewString(),
		Candidate: c,
		Outcome:   outcome,
		Reason:    reason,
		Detail:    detail,
		DecidedAt: e.clock().UTC(),
	}
}

// record persists the decision and logs it, rate-limited per reject reason
// so a misbehaving strategy cannot flood the log with identical rejections.
func (e *Engine) record(ctx context.Context, d domain.TradeDecision) {
	if e.audit != nil {
		if err := e.audit.SaveDecision(ctx, d); err != nil {
			e.log.Error().Err(err).Str("decision_id", d.ID).Msg("persisting decision failed")
		}
	}

	labels := map[string]string{"outcome": string(d.Outcome)}
	if d.Rejected() {
		labels["reason"] = string(d.Reason)
	}
	observ.IncCounter("decisions_total", labels)

	if !d.Rejected() {
		e.log.Info().
			Str("symbol", d.Candidate.Symbol).
			Str("side", string(d.Candidate.Side)).
			Str("quantity", d.Candidate.Quantity.String()).
			Str("detail", d.Detail).
			Msg("trade accepted")
		return
	}
	if e.rejectLimiter(d.Reason).Allow() {
		e.log.Warn().
			Str("symbol", d.Candidate.Symbol).
			Str("side", string(d.Candidate.Side)).
			Str("reason", string(d.Reason)).
			Str("detail", d.Detail).
			Msg("trade rejected")
	} else {
		observ.IncCounter("rejection_logs_suppressed_total", map[string]string{"reason": string(d.Reason)})
	}
}

func (e *Engine) rejectLimiter(reason domain.RejectReason) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[reason]
	if !ok {
		// Burst of 5, then one log line per 10s per reason code.
		lim = rate.NewLimiter(rate.Every(10*time.Second), 5)
		e.limiters[reason] = lim
	}
	return lim
}
