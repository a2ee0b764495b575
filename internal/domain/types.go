package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass identifies which broker venue and symbol rules apply to a trade.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetOption AssetClass = "option"
	AssetCrypto AssetClass = "crypto"
)

// AssetClasses lists every supported class; risk configuration must cover all of them.
var AssetClasses = []AssetClass{AssetStock, AssetOption, AssetCrypto}

// Valid reports whether the asset class is one we trade.
func (a AssetClass) Valid() bool {
	switch a {
	case AssetStock, AssetOption, AssetCrypto:
		return true
	}
	return false
}

// Side is the direction of a candidate trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position is a single holding as tracked by the ledger. Quantity is signed;
// negative means short. A symbol that is not held has no Position at all —
// the ledger never stores zero-quantity rows.
type Position struct {
	Symbol        string          `json:"symbol"`
	AssetClass    AssetClass      `json:"asset_class"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// CandidateTrade is produced by a strategy module. It is immutable once
// handed to the validator; the engine only ever copies it into a decision.
type CandidateTrade struct {
	Symbol      string          `json:"symbol"`
	AssetClass  AssetClass      `json:"asset_class"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Confidence  float64         `json:"confidence"`
	StrategyID  string          `json:"strategy_id"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Outcome of a validation pass.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// RejectReason is the machine-readable cause attached to a rejected decision.
type RejectReason string

const (
	ReasonPhantomSell          RejectReason = "PHANTOM_SELL"
	ReasonInsufficientQuantity RejectReason = "INSUFFICIENT_QUANTITY"
	ReasonRiskLimitExceeded    RejectReason = "RISK_LIMIT_EXCEEDED"
	ReasonInvalidSymbolFormat  RejectReason = "INVALID_SYMBOL_FORMAT"
	ReasonBrokerUnavailable    RejectReason = "BROKER_UNAVAILABLE"
)

// TradeDecision is the audit-trail entry for one candidate. Created once,
// never mutated.
type TradeDecision struct {
	ID        string         `json:"id"`
	Candidate CandidateTrade `json:"candidate"`
	Outcome   Outcome        `json:"outcome"`
	Reason    RejectReason   `json:"reason,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// Rejected reports whether the decision blocked the trade.
func (d TradeDecision) Rejected() bool { return d.Outcome == OutcomeRejected }

// Alert is the structured payload handed to the alerting sink.
type Alert struct {
	Severity          string `json:"severity"` // "info" | "warning" | "critical"
	Message           string `json:"message"`
	RecommendedAction string `json:"recommended_action,omitempty"`
	Key               string `json:"key"` // dedupe key; identical keys are suppressed within a window
}
