package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakrand/tradecore/internal/alerts"
	"github.com/oakrand/tradecore/internal/broker"
	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// recordCapture collects persisted reconciliation records.
type recordCapture struct {
	mu      sync.Mutex
	records []domain.ReconciliationRecord
}

func (r *recordCapture) SaveReconciliation(_ context.Context, rec domain.ReconciliationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// alertCapture collects alerts fired during a pass.
type alertCapture struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *alertCapture) Send(alert domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func position(symbol string, class domain.AssetClass, qty, price string) domain.Position {
	q, p := dec(qty), dec(price)
	return domain.Position{
		Symbol:        symbol,
		AssetClass:    class,
		Quantity:      q,
		AvgEntryPrice: p,
		MarketValue:   q.Mul(p),
	}
}

func TestRunOnce_NoDriftIsIdempotent(t *testing.T) {
	led := ledger.New()
	venue := broker.NewSim()
	pos := position("AAPL", domain.AssetStock, "10", "200")
	venue.SetPosition(pos)
	led.ReplaceSnapshot([]domain.Position{pos})

	records := &recordCapture{}
	r := New(led, venue, alerts.Nop{}, records, decimal.Zero, zerolog.Nop())

	for i := 0; i < 2; i++ {
		rec, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, domain.ActionNone, rec.Action)
		assert.Empty(t, rec.Drift)
	}

	// Two passes over a clean book: two NONE records, ledger unchanged.
	require.Len(t, records.records, 2)
	got, held := led.Get("AAPL")
	require.True(t, held)
	assert.True(t, got.Quantity.Equal(dec("10")))
}

func TestRunOnce_DriftCorrectedFromBroker(t *testing.T) {
	led := ledger.New()
	venue := broker.NewSim()
	// Ledger thinks 10, broker says 7: broker wins.
	led.ReplaceSnapshot([]domain.Position{position("AAPL", domain.AssetStock, "10", "200")})
	venue.SetPosition(position("AAPL", domain.AssetStock, "7", "200"))

	records := &recordCapture{}
	fired := &alertCapture{}
	r := New(led, venue, fired, records, decimal.Zero, zerolog.Nop())

	rec, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionLedgerAdjusted, rec.Action)
	require.Len(t, rec.Drift, 1)
	assert.Equal(t, "AAPL", rec.Drift[0].Symbol)
	assert.True(t, rec.Drift[0].LedgerQty.Equal(dec("10")))
	assert.True(t, rec.Drift[0].BrokerQty.Equal(dec("7")))

	got, _ := led.Get("AAPL")
	assert.True(t, got.Quantity.Equal(dec("7")))

	require.Len(t, fired.alerts, 1)
	assert.Equal(t, "warning", fired.alerts[0].Severity)
}

func TestRunOnce_MissingSidesCountAsZero(t *testing.T) {
	led := ledger.New()
	venue := broker.NewSim()
	// Only the ledger knows GHOST; only the broker knows NEWPOS.
	led.ReplaceSnapshot([]domain.Position{position("GHOST", domain.AssetStock, "3", "50")})
	venue.SetPosition(position("NEWPOS", domain.AssetStock, "2", "75"))

	r := New(led, venue, alerts.Nop{}, nil, decimal.Zero, zerolog.Nop())
	rec, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Drift, 2)

	// Sorted by symbol.
	assert.Equal(t, "GHOST", rec.Drift[0].Symbol)
	assert.True(t, rec.Drift[0].BrokerQty.IsZero())
	assert.Equal(t, "NEWPOS", rec.Drift[1].Symbol)
	assert.True(t, rec.Drift[1].LedgerQty.IsZero())

	_, held := led.Get("GHOST")
	assert.False(t, held, "positions the broker does not hold must be purged")
	_, held = led.Get("NEWPOS")
	assert.True(t, held)
}

func TestRunOnce_EpsilonAbsorbsRounding(t *testing.T) {
	led := ledger.New()
	venue := broker.NewSim()
	led.ReplaceSnapshot([]domain.Position{position("BTC/USD", domain.AssetCrypto, "1.0000004", "64000")})
	venue.SetPosition(position("BTC/USD", domain.AssetCrypto, "1.0000001", "64000"))

	r := New(led, venue, alerts.Nop{}, nil, decimal.Zero, zerolog.Nop())
	rec, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNone, rec.Action, "sub-epsilon differences are rounding, not drift")
}

func TestRunOnce_FetchFailureLeavesLedgerAlone(t *testing.T) {
	led := ledger.New()
	venue := broker.NewSim()
	led.ReplaceSnapshot([]domain.Position{position("AAPL", domain.AssetStock, "10", "200")})
	venue.FailNext(1)

	records := &recordCapture{}
	fired := &alertCapture{}
	r := New(led, venue, fired, records, decimal.Zero, zerolog.Nop())

	rec, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ActionAlertRaised, rec.Action)

	// The failed pass is still on the record, the alert fired, and the
	// ledger kept its last known state.
	require.Len(t, records.records, 1)
	require.Len(t, fired.alerts, 1)
	assert.Equal(t, "critical", fired.alerts[0].Severity)
	got, held := led.Get("AAPL")
	require.True(t, held)
	assert.True(t, got.Quantity.Equal(dec("10")))
}

func TestClose_RefusesFurtherPasses(t *testing.T) {
	led := ledger.New()
	venue := broker.NewSim()
	r := New(led, venue, alerts.Nop{}, nil, decimal.Zero, zerolog.Nop())

	r.Close()
	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateIdle, r.State())
}

func TestJob_SwallowsClosedError(t *testing.T) {
	led := ledger.New()
	venue := broker.NewSim()
	r := New(led, venue, alerts.Nop{}, nil, decimal.Zero, zerolog.Nop())
	job := Job{Reconciler: r, Timeout: time.Second}

	assert.Equal(t, "reconcile", job.Name())
	require.NoError(t, job.Run())

	r.Close()
	assert.NoError(t, job.Run(), "a closed reconciler during shutdown is not a job failure")
}
