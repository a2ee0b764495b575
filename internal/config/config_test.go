package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakrand/tradecore/internal/domain"
)

const validYAML = `
mode: paper
capital_base: 1000000
limits:
  max_position_size_pct: 15
  max_position_value: 150000
  max_daily_loss_pct: 3
  max_allocation_pct_per_asset_class:
    stock: 60
    option: 10
    crypto: 30
symbols:
  crypto_pair_delimiter: "/"
broker:
  timeout: 10s
  max_retries: 3
  backoff_base: 500ms
  backoff_max: 5s
reconcile:
  schedule: "@every 30s"
  epsilon: 0.000001
  timeout: 30s
alerts:
  dedupe_window: 1m
  rate_per_minute: 30
strategy:
  min_confidence: 0.55
  tick_interval: 5s
  symbols:
    - symbol: AAPL
      asset_class: stock
      max_qty: 25
      seed_price: 232.50
server_addr: ":8090"
audit_path: "data/audit.db"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ValidPaperConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, 15.0, cfg.Limits.MaxPositionSizePct)
	assert.Equal(t, "/", cfg.Symbols.CryptoPairDelimiter)
	assert.Equal(t, 0.000001, cfg.Reconcile.Epsilon)
	require.Len(t, cfg.Strategy.Symbols, 1)
	assert.Equal(t, domain.AssetStock, cfg.Strategy.Symbols[0].AssetClass)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nsurprise_field: true\n"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoad_MissingLimitFailsClosed(t *testing.T) {
	// Drop the crypto allocation cap: the engine must refuse to start rather
	// than treat the missing cap as unlimited.
	body := `
mode: paper
capital_base: 1000000
limits:
  max_position_size_pct: 15
  max_position_value: 150000
  max_daily_loss_pct: 3
  max_allocation_pct_per_asset_class:
    stock: 60
    option: 10
symbols:
  crypto_pair_delimiter: "/"
reconcile:
  schedule: "@every 30s"
server_addr: ":8090"
audit_path: "data/audit.db"
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "crypto")
}

func TestLoad_LiveModeRequiresCredentials(t *testing.T) {
	body := validYAML
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	cfg.Mode = ModeLive
	cfg.Broker.BaseURL = "https://broker.example.com"
	assert.ErrorIs(t, cfg.Validate(), domain.ErrConfiguration)

	cfg.Secrets.BrokerKeyID = "key"
	cfg.Secrets.BrokerSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_SecretsFromEnvironment(t *testing.T) {
	t.Setenv("BROKER_KEY_ID", "env-key")
	t.Setenv("BROKER_SECRET", "env-secret")
	t.Setenv("ALERT_WEBHOOK_URL", "https://hooks.example.com/T000")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Secrets.BrokerKeyID)
	assert.Equal(t, "env-secret", cfg.Secrets.BrokerSecret)
	assert.Equal(t, "https://hooks.example.com/T000", cfg.Secrets.AlertWebhookURL)
}

func TestValidate_ModeAndBounds(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	bad := cfg
	bad.Mode = "backtest"
	assert.ErrorIs(t, bad.Validate(), domain.ErrConfiguration)

	bad = cfg
	bad.Strategy.MinConfidence = 1.5
	assert.ErrorIs(t, bad.Validate(), domain.ErrConfiguration)

	bad = cfg
	bad.ServerAddr = ""
	assert.ErrorIs(t, bad.Validate(), domain.ErrConfiguration)
}
