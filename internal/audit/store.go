// Package audit persists the engine's immutable audit trail: one row per
// trade decision and one per reconciliation pass. Rows are inserted once and
// never updated.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/oakrand/tradecore/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id           TEXT PRIMARY KEY,
	symbol       TEXT NOT NULL,
	asset_class  TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	confidence   REAL NOT NULL,
	strategy_id  TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	decided_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON decisions(decided_at);

CREATE TABLE IF NOT EXISTS reconciliations (
	cycle_id    TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	ledger_json TEXT NOT NULL,
	broker_json TEXT NOT NULL,
	drift_json  TEXT NOT NULL,
	action      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reconciliations_finished_at ON reconciliations(finished_at);
`

// Store is the sqlite-backed audit log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the audit database and applies the schema. Use
// "file::memory:?cache=shared" style paths for tests.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	// The audit trail is written from the execution path and the reconciler;
	// a single connection sidesteps sqlite writer contention.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("audit: pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("audit: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveDecision inserts a trade decision.
func (s *Store) SaveDecision(ctx context.Context, d domain.TradeDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(id, symbol, asset_class, side, quantity, confidence, strategy_id, requested_at, outcome, reason, detail, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Candidate.Symbol,
		string(d.Candidate.AssetClass),
		string(d.Candidate.Side),
		d.Candidate.Quantity.String(),
		d.Candidate.Confidence,
		d.Candidate.StrategyID,
		d.Candidate.RequestedAt.UTC().Format(time.RFC3339Nano),
		string(d.Outcome),
		string(d.Reason),
		d.Detail,
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: inserting decision %s: %w", d.ID, err)
	}
	return nil
}

// RecentDecisions returns the newest decisions, most recent first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]domain.TradeDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, asset_class, side, quantity, confidence, strategy_id, requested_at, outcome, reason, detail, decided_at
		FROM decisions ORDER BY decided_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: querying decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeDecision
	for rows.Next() {
		var (
			d                      domain.TradeDecision
			class, side, qty       string
			requestedAt, decidedAt string
			outcome, reason        string
		)
		if err := rows.Scan(&d.ID, &d.Candidate.Symbol, &class, &side, &qty, &d.Candidate.Confidence,
			&d.Candidate.StrategyID, &requestedAt, &outcome, &reason, &d.Detail, &decidedAt); err != nil {
			return nil, fmt.Errorf("audit: scanning decision: %w", err)
		}
		d.Candidate.AssetClass = domain.AssetClass(class)
		d.Candidate.Side = domain.Side(side)
		d.Outcome = domain.Outcome(outcome)
		d.Reason = domain.RejectReason(reason)
		if d.Candidate.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("audit: bad stored quantity %q: %w", qty, err)
		}
		if d.Candidate.RequestedAt, err = time.Parse(time.RFC3339Nano, requestedAt); err != nil {
			return nil, fmt.Errorf("audit: bad stored requested_at %q: %w", requestedAt, err)
		}
		if d.DecidedAt, err = time.Parse(time.RFC3339Nano, decidedAt); err != nil {
			return nil, fmt.Errorf("audit: bad stored decided_at %q: %w", decidedAt, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveReconciliation inserts a finalized reconciliation record. Snapshots
// and drift are stored as JSON blobs; queries filter on time and action only.
func (s *Store) SaveReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error {
	ledgerJSON, err := json.Marshal(rec.LedgerBefore)
	if err != nil {
		return fmt.Errorf("audit: marshaling ledger snapshot: %w", err)
	}
	brokerJSON, err := json.Marshal(rec.BrokerPositions)
	if err != nil {
		return fmt.Errorf("audit: marshaling broker snapshot: %w", err)
	}
	driftJSON, err := json.Marshal(rec.Drift)
	if err != nil {
		return fmt.Errorf("audit: marshaling drift: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliations
			(cycle_id, started_at, finished_at, ledger_json, broker_json, drift_json, action)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(ledgerJSON),
		string(brokerJSON),
		string(driftJSON),
		string(rec.Action),
	)
	if err != nil {
		return fmt.Errorf("audit: inserting reconciliation %s: %w", rec.CycleID, err)
	}
	return nil
}

// RecentReconciliations returns the newest reconciliation records, most
// recent first.
func (s *Store) RecentReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, started_at, finished_at, ledger_json, broker_json, drift_json, action
		FROM reconciliations ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: querying reconciliations: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationRecord
	for rows.Next() {
		var (
			rec                    domain.ReconciliationRecord
			started, finished      string
			ledgerJSON, brokerJSON string
			driftJSON, action      string
		)
		if err := rows.Scan(&rec.CycleID, &started, &finished, &ledgerJSON, &brokerJSON, &driftJSON, &action); err != nil {
			return nil, fmt.Errorf("audit: scanning reconciliation: %w", err)
		}
		rec.Action = domain.CorrectiveAction(action)
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("audit: bad stored started_at %q: %w", started, err)
		}
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("audit: bad stored finished_at %q: %w", finished, err)
		}
		if err := json.Unmarshal([]byte(ledgerJSON), &rec.LedgerBefore); err != nil {
			return nil, fmt.Errorf("audit: bad stored ledger snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(brokerJSON), &rec.BrokerPositions); err != nil {
			return nil, fmt.Errorf("audit: bad stored broker snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(driftJSON), &rec.Drift); err != nil {
			return nil, fmt.Errorf("audit: bad stored drift json: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
