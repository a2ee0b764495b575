package broker

import (
	"strings"

	"github.com/oakrand/tradecore/internal/domain"
)

// Formatter translates canonical symbols into the venue's wire format.
// Canonical crypto symbols carry the configured pair delimiter (BTC/USD);
// some venues want a different one or none at all, and that difference is
// configuration data, not code.
type Formatter struct {
	// Canonical is the delimiter used internally for crypto pairs.
	Canonical string
	// Wire maps each asset class to the delimiter the venue expects. A class
	// absent from the map passes through unchanged.
	Wire map[domain.AssetClass]string
}

// ForBroker returns the wire-format symbol for an order.
func (f Formatter) ForBroker(class domain.AssetClass, symbol string) string {
	wire, ok := f.Wire[class]
	if !ok || f.Canonical == "" || wire == f.Canonical {
		return symbol
	}
	return strings.ReplaceAll(symbol, f.Canonical, wire)
}

// FromBroker converts a venue symbol back to canonical form.
func (f Formatter) FromBroker(class domain.AssetClass, symbol string) string {
	wire, ok := f.Wire[class]
	if !ok || wire == "" || f.Canonical == "" || wire == f.Canonical {
		return symbol
	}
	return strings.ReplaceAll(symbol, wire, f.Canonical)
}
