package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/domain"
)

// Broker is the position/order API the engine depends on. Implementations:
// Sim for paper trading and tests, HTTP for a live venue. All methods take a
// context because they are the engine's only suspension points.
type Broker interface {
	// ListPositions returns the broker's authoritative open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)
	// SubmitOrder places a market order and returns the confirmed fill.
	SubmitOrder(ctx context.Context, order Order) (Fill, error)
	// LastPrice returns the latest trade price for a symbol.
	LastPrice(ctx context.Context, symbol string, class domain.AssetClass) (decimal.Decimal, error)
}

// Order is a validated trade ready for submission.
type Order struct {
	Symbol     string
	AssetClass domain.AssetClass
	Side       domain.Side
	Quantity   decimal.Decimal
}

// Fill is the broker's confirmation of an executed order. The ledger is only
// ever updated from a Fill, never from the submission itself.
type Fill struct {
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     domain.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	FilledAt time.Time       `json:"filled_at"`
}

// Error kinds, used to pick between retrying and surfacing.
const (
	KindUnavailable = "unavailable" // network/5xx after retries exhausted
	KindRejected    = "rejected"    // broker refused the order
	KindBadSymbol   = "bad_symbol"  // symbol unknown to the venue
)

// Error is a typed broker failure.
type Error struct {
	Kind    string
	Op      string // "list_positions", "submit_order", "last_price"
	Symbol  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("broker %s: %s error for %q: %s (%v)", e.Op, e.Kind, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("broker %s: %s error for %q: %s", e.Op, e.Kind, e.Symbol, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsUnavailable reports whether err is a connectivity failure that exhausted
// its retries — the caller turns it into a BROKER_UNAVAILABLE decision.
func IsUnavailable(err error) bool {
	be, ok := err.(*Error)
	return ok && be.Kind == KindUnavailable
}
