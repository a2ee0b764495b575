// Package reconcile periodically diffs the ledger against the broker's live
// positions and corrects drift. Broker state always wins: internal deltas
// are optimistic bookkeeping, never permanently authoritative.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/alerts"
	"github.com/oakrand/tradecore/internal/broker"
	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/ledger"
	"github.com/oakrand/tradecore/internal/observ"
)

// State of the reconciliation pass in progress.
type State string

const (
	StateIdle       State = "IDLE"
	StateFetching   State = "FETCHING"
	StateDiffing    State = "DIFFING"
	StateCorrecting State = "CORRECTING"
)

// ErrClosed is returned when a pass is requested after shutdown began.
var ErrClosed = errors.New("reconcile: reconciler is shut down")

// DefaultEpsilon absorbs broker-side rounding; anything larger is drift.
var DefaultEpsilon = decimal.New(1, -6) // 1e-6 units

// RecordSink persists reconciliation records; the audit store implements it.
type RecordSink interface {
	SaveReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error
}

// Reconciler runs reconciliation passes. Passes are serialized with each
// other and with shutdown: Close blocks until an in-flight pass has finished
// CORRECTING, and no pass starts afterwards, so the ledger is never left
// half-replaced.
type Reconciler struct {
	ledger  *ledger.Ledger
	broker  broker.Broker
	alerts  alerts.Sink
	audit   RecordSink
	epsilon decimal.Decimal
	log     zerolog.Logger

	sem    chan struct{} // held for the duration of a pass or Close
	closed bool

	stateMu sync.RWMutex
	state   State
}

// New builds a reconciler. A non-positive epsilon falls back to
// DefaultEpsilon.
func New(led *ledger.Ledger, brk broker.Broker, sink alerts.Sink, audit RecordSink, epsilon decimal.Decimal, log zerolog.Logger) *Reconciler {
	if epsilon.Sign() <= 0 {
		epsilon = DefaultEpsilon
	}
	r := &Reconciler{
		ledger:  led,
		broker:  brk,
		alerts:  sink,
		audit:   audit,
		epsilon: epsilon,
		log:     log.With().Str("component", "reconcile").Logger(),
		sem:     make(chan struct{}, 1),
		state:   StateIdle,
	}
	return r
}

// State returns the current pass state for health reporting.
func (r *Reconciler) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Reconciler) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// RunOnce executes one full reconciliation pass and returns its record.
// The context gates the broker fetch only: once CORRECTING starts, the pass
// runs to completion regardless of cancellation.
func (r *Reconciler) RunOnce(ctx context.Context) (domain.ReconciliationRecord, error) {
	r.sem <- struct{}{}
	defer func() {
		r.setState(StateIdle)
		<-r.sem
	}()

	if r.closed {
		return domain.ReconciliationRecord{}, ErrClosed
	}

	rec := domain.ReconciliationRecord{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	before := r.ledger.Snapshot()
	rec.LedgerBefore = before

	r.setState(StateFetching)
	brokerPositions, err := r.broker.ListPositions(ctx)
	if err != nil {
		// Cannot correct what we cannot see; leave the ledger alone and say so.
		rec.Action = domain.ActionAlertRaised
		rec.FinishedAt = time.Now().UTC()
		r.finalize(rec)
		r.alerts.Send(domain.Alert{
			Severity:          "critical",
			Key:               "reconcile_fetch_failed",
			Message:           "reconciliation could not fetch broker positions: " + err.Error(),
			RecommendedAction: "check broker connectivity; ledger is uncorrected until the next pass",
		})
		return rec, fmt.Errorf("reconcile: fetching broker positions: %w", err)
	}
	rec.BrokerPositions = brokerPositions

	r.setState(StateDiffing)
	rec.Drift = r.diff(before, brokerPositions)

	r.setState(StateCorrecting)
	// Broker state is authoritative even with no drift: the swap also purges
	// any zero-quantity rows before they outlive a cycle.
	r.ledger.ReplaceSnapshot(brokerPositions)

	if len(rec.Drift) == 0 {
		rec.Action = domain.ActionNone
	} else {
		rec.Action = domain.ActionLedgerAdjusted
		observ.IncCounter("reconcile_drift_total", nil)
		r.alerts.Send(domain.Alert{
			Severity:          "warning",
			Key:               "reconcile_drift",
			Message:           fmt.Sprintf("position drift on %d symbol(s), ledger overwritten with broker state: %s", len(rec.Drift), driftSummary(rec.Drift)),
			RecommendedAction: "investigate missed fill confirmations or upstream logic bugs",
		})
	}

	rec.FinishedAt = time.Now().UTC()
	r.finalize(rec)
	return rec, nil
}

// diff compares quantities over the union of symbols; a missing side counts
// as zero. Differences within epsilon are rounding, not drift.
func (r *Reconciler) diff(ledgerSide, brokerSide []domain.Position) []domain.Drift {
	ledgerQty := make(map[string]decimal.Decimal, len(ledgerSide))
	for _, pos := range ledgerSide {
		ledgerQty[pos.Symbol] = pos.Quantity
	}
	brokerQty := make(map[string]decimal.Decimal, len(brokerSide))
	for _, pos := range brokerSide {
		brokerQty[pos.Symbol] = pos.Quantity
	}

	symbols := make(map[string]struct{}, len(ledgerQty)+len(brokerQty))
	for s := range ledgerQty {
		symbols[s] = struct{}{}
	}
	for s := range brokerQty {
		symbols[s] = struct{}{}
	}

	var drift []domain.Drift
	for symbol := range symbols {
		lq := ledgerQty[symbol]
		bq := brokerQty[symbol]
		if lq.Sub(bq).Abs().GreaterThan(r.epsilon) {
			drift = append(drift, domain.Drift{Symbol: symbol, LedgerQty: lq, BrokerQty: bq})
		}
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Symbol < drift[j].Symbol })
	return drift
}

// finalize persists the record and logs the pass. Records are write-once;
// a persistence failure is logged and counted but the pass result stands.
func (r *Reconciler) finalize(rec domain.ReconciliationRecord) {
	if r.audit != nil {
		// Fresh context: the pass must be recorded even if the caller's
		// context was cancelled mid-pass.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.audit.SaveReconciliation(ctx, rec); err != nil {
			observ.IncCounter("reconcile_record_persist_errors_total", nil)
			r.log.Error().Err(err).Str("cycle_id", rec.CycleID).Msg("persisting reconciliation record failed")
		}
	}

	observ.IncCounter("reconcile_passes_total", map[string]string{"action": string(rec.Action)})
	observ.SetGauge("reconcile_last_drift_count", float64(len(rec.Drift)), nil)

	evt := r.log.Info()
	if len(rec.Drift) > 0 {
		evt = r.log.Warn()
	}
	evt.Str("cycle_id", rec.CycleID).
		Int("drift_count", len(rec.Drift)).
		Str("action", string(rec.Action)).
		Dur("took", rec.FinishedAt.Sub(rec.StartedAt)).
		Msg("reconciliation pass finished")
}

// Close blocks until any in-flight pass finishes CORRECTING, then prevents
// further passes.
func (r *Reconciler) Close() {
	r.sem <- struct{}{}
	r.closed = true
	<-r.sem
}

func driftSummary(drift []domain.Drift) string {
	out := ""
	for i, d := range drift {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s ledger=%s broker=%s", d.Symbol, d.LedgerQty, d.BrokerQty)
		if i == 4 && len(drift) > 5 {
			return fmt.Sprintf("%s, and %d more", out, len(drift)-5)
		}
	}
	return out
}

// Job adapts the reconciler to the cron scheduler.
type Job struct {
	Reconciler *Reconciler
	Timeout    time.Duration
}

func (j Job) Name() string { return "reconcile" }

func (j Job) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := j.Reconciler.RunOnce(ctx)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
