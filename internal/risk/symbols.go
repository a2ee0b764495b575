package risk

import (
	"fmt"
	"strings"

	"github.com/oakrand/tradecore/internal/domain"
)

// CheckSymbolFormat validates a symbol against the asset-class-specific
// formatting rules. It runs before any risk arithmetic so a malformed symbol
// never reaches the broker.
func CheckSymbolFormat(symbol string, class domain.AssetClass, rules SymbolRules) error {
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if symbol != strings.ToUpper(strings.TrimSpace(symbol)) {
		return fmt.Errorf("symbol %q must be uppercase with no surrounding whitespace", symbol)
	}

	switch class {
	case domain.AssetCrypto:
		// The broker requires an explicit pair, e.g. BTC/USD. BTCUSD without
		// the delimiter is exactly the malformed order that used to bounce.
		base, quote, found := strings.Cut(symbol, rules.CryptoPairDelimiter)
		if !found {
			return fmt.Errorf("crypto symbol %q missing required pair delimiter %q", symbol, rules.CryptoPairDelimiter)
		}
		if base == "" || quote == "" {
			return fmt.Errorf("crypto symbol %q has an empty pair side", symbol)
		}
		if strings.Contains(quote, rules.CryptoPairDelimiter) {
			return fmt.Errorf("crypto symbol %q has more than one pair delimiter", symbol)
		}
	case domain.AssetStock:
		if len(symbol) > 6 || strings.ContainsAny(symbol, "/- ") {
			return fmt.Errorf("stock symbol %q is not a plain ticker", symbol)
		}
	case domain.AssetOption:
		// OCC-style contract symbols are at least ticker+expiry+type+strike.
		if len(symbol) < 15 {
			return fmt.Errorf("option symbol %q too short for an OCC contract symbol", symbol)
		}
	default:
		return fmt.Errorf("unknown asset class %q", class)
	}
	return nil
}
