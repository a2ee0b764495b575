package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oakrand/tradecore/internal/domain"
)

func TestCheckSymbolFormat(t *testing.T) {
	rules := SymbolRules{CryptoPairDelimiter: "/"}

	cases := []struct {
		name   string
		symbol string
		class  domain.AssetClass
		ok     bool
	}{
		{"crypto_with_delimiter", "BTC/USD", domain.AssetCrypto, true},
		{"crypto_missing_delimiter", "BTCUSD", domain.AssetCrypto, false},
		{"crypto_empty_quote_side", "BTC/", domain.AssetCrypto, false},
		{"crypto_double_delimiter", "BTC/USD/EUR", domain.AssetCrypto, false},
		{"stock_plain_ticker", "AAPL", domain.AssetStock, true},
		{"stock_too_long", "TOOLONGNAME", domain.AssetStock, false},
		{"stock_with_slash", "BRK/B", domain.AssetStock, false},
		{"option_occ_contract", "AAPL251219C00230000", domain.AssetOption, true},
		{"option_too_short", "AAPL25C", domain.AssetOption, false},
		{"lowercase_rejected", "aapl", domain.AssetStock, false},
		{"whitespace_rejected", " AAPL", domain.AssetStock, false},
		{"empty_rejected", "", domain.AssetStock, false},
		{"unknown_class", "AAPL", domain.AssetClass("bond"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckSymbolFormat(tc.symbol, tc.class, rules)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
