package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakrand/tradecore/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_DecisionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	decided := time.Date(2026, 5, 2, 14, 30, 0, 0, time.UTC)
	d := domain.TradeDecision{
		ID: uuid.NewString(),
		Candidate: domain.CandidateTrade{
			Symbol:      "BTC/USD",
			AssetClass:  domain.AssetCrypto,
			Side:        domain.SideSell,
			Quantity:    decimal.RequireFromString("0.228"),
			Confidence:  0.81,
			StrategyID:  "momentum",
			RequestedAt: decided.Add(-time.Second),
		},
		Outcome:   domain.OutcomeRejected,
		Reason:    domain.ReasonPhantomSell,
		Detail:    "no position held for BTC/USD",
		DecidedAt: decided,
	}
	require.NoError(t, store.SaveDecision(ctx, d))

	got, err := store.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d.ID, got[0].ID)
	assert.Equal(t, domain.ReasonPhantomSell, got[0].Reason)
	assert.True(t, got[0].Candidate.Quantity.Equal(d.Candidate.Quantity))
	assert.Equal(t, d.DecidedAt, got[0].DecidedAt)
}

func TestStore_RecentDecisionsOrderAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveDecision(ctx, domain.TradeDecision{
			ID: uuid.NewString(),
			Candidate: domain.CandidateTrade{
				Symbol: "AAPL", AssetClass: domain.AssetStock, Side: domain.SideBuy,
				Quantity: decimal.NewFromInt(1), RequestedAt: base,
			},
			Outcome:   domain.OutcomeAccepted,
			DecidedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := store.RecentDecisions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, base.Add(4*time.Minute), got[0].DecidedAt, "newest first")
	assert.True(t, got[0].DecidedAt.After(got[1].DecidedAt))
}

func TestStore_ReconciliationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	rec := domain.ReconciliationRecord{
		CycleID:    uuid.NewString(),
		StartedAt:  started,
		FinishedAt: started.Add(120 * time.Millisecond),
		LedgerBefore: []domain.Position{{
			Symbol: "ETH/USD", AssetClass: domain.AssetCrypto,
			Quantity: decimal.RequireFromString("5"), AvgEntryPrice: decimal.RequireFromString("3000"),
		}},
		BrokerPositions: []domain.Position{{
			Symbol: "ETH/USD", AssetClass: domain.AssetCrypto,
			Quantity: decimal.RequireFromString("4.5"), AvgEntryPrice: decimal.RequireFromString("3000"),
		}},
		Drift: []domain.Drift{{
			Symbol:    "ETH/USD",
			LedgerQty: decimal.RequireFromString("5"),
			BrokerQty: decimal.RequireFromString("4.5"),
		}},
		Action: domain.ActionLedgerAdjusted,
	}
	require.NoError(t, store.SaveReconciliation(ctx, rec))

	got, err := store.RecentReconciliations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.CycleID, got[0].CycleID)
	assert.Equal(t, domain.ActionLedgerAdjusted, got[0].Action)
	require.Len(t, got[0].LedgerBefore, 1)
	assert.True(t, got[0].LedgerBefore[0].Quantity.Equal(decimal.RequireFromString("5")))
	require.Len(t, got[0].BrokerPositions, 1)
	require.Len(t, got[0].Drift, 1)
	assert.True(t, got[0].Drift[0].BrokerQty.Equal(decimal.RequireFromString("4.5")))
}
