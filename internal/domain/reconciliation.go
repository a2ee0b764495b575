package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Drift is one symbol whose ledger quantity disagrees with the broker.
type Drift struct {
	Symbol    string          `json:"symbol"`
	LedgerQty decimal.Decimal `json:"ledger_qty"`
	BrokerQty decimal.Decimal `json:"broker_qty"`
}

// CorrectiveAction records what a reconciliation pass did about drift.
type CorrectiveAction string

const (
	// ActionNone: no drift found; the snapshot swap was a no-op.
	ActionNone CorrectiveAction = "NONE"
	// ActionLedgerAdjusted: drift found and the ledger was overwritten with
	// broker state (broker always wins). An alert is raised alongside.
	ActionLedgerAdjusted CorrectiveAction = "LEDGER_ADJUSTED"
	// ActionAlertRaised: the pass could not adjust the ledger (e.g. the
	// broker fetch failed) and only an alert was raised.
	ActionAlertRaised CorrectiveAction = "ALERT_RAISED"
)

// ReconciliationRecord is the immutable audit entry for one reconciliation
// pass. Created when the pass starts, finalized when it ends, never edited.
// Both snapshots are kept verbatim so a drift investigation months later can
// see exactly what each side claimed at the time.
type ReconciliationRecord struct {
	CycleID         string           `json:"cycle_id"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	LedgerBefore    []Position       `json:"ledger_snapshot_before"`
	BrokerPositions []Position       `json:"broker_snapshot"`
	Drift           []Drift          `json:"drift"`
	Action          CorrectiveAction `json:"corrective_action_taken"`
}
