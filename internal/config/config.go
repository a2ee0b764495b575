// Package config loads the engine configuration from YAML with secrets
// overlaid from the environment. Validation fails closed: a limit that is
// not explicitly set aborts startup rather than defaulting to "unlimited".
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/risk"
)

// Mode selects the broker backing the engine.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Secrets come from the environment only, never from the YAML file.
type Secrets struct {
	BrokerKeyID     string `env:"BROKER_KEY_ID"`
	BrokerSecret    string `env:"BROKER_SECRET"`
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
}

// Broker holds the live broker client settings.
type Broker struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// Reconcile holds the reconciliation loop settings.
type Reconcile struct {
	Schedule string        `yaml:"schedule"` // cron expression with seconds, e.g. "@every 30s"
	Epsilon  float64       `yaml:"epsilon"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Alerts holds the webhook sink settings; the URL itself is a secret.
type Alerts struct {
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	RatePerMinute int           `yaml:"rate_per_minute"`
}

// StrategySymbol is one instrument the paper-mode strategy trades. SeedPrice
// primes the sim venue, which otherwise has no market data source.
type StrategySymbol struct {
	Symbol     string            `yaml:"symbol"`
	AssetClass domain.AssetClass `yaml:"asset_class"`
	MaxQty     float64           `yaml:"max_qty"`
	SeedPrice  float64           `yaml:"seed_price"`
}

// Strategy holds the paper-mode signal loop settings.
type Strategy struct {
	MinConfidence float64          `yaml:"min_confidence"`
	TickInterval  time.Duration    `yaml:"tick_interval"`
	Symbols       []StrategySymbol `yaml:"symbols"`
}

// Config is the full engine configuration.
type Config struct {
	Mode        Mode             `yaml:"mode"`
	CapitalBase float64          `yaml:"capital_base"`
	Limits      risk.Limits      `yaml:"limits"`
	Symbols     risk.SymbolRules `yaml:"symbols"`
	Broker      Broker           `yaml:"broker"`
	Reconcile   Reconcile        `yaml:"reconcile"`
	Alerts      Alerts           `yaml:"alerts"`
	Strategy    Strategy         `yaml:"strategy"`
	ServerAddr  string           `yaml:"server_addr"`
	AuditPath   string           `yaml:"audit_path"`

	Secrets Secrets `yaml:"-"`
}

// Load reads the YAML file, overlays secrets from the environment, and
// validates. Any error here should abort the process.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading %s: %v", domain.ErrConfiguration, path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing %s: %v", domain.ErrConfiguration, path, err)
	}

	if err := env.Parse(&cfg.Secrets); err != nil {
		return Config{}, fmt.Errorf("%w: reading environment: %v", domain.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field the engine depends on. Limits are validated by
// the risk package so the fail-closed rules live next to their enforcement.
func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("%w: mode must be %q or %q, got %q", domain.ErrConfiguration, ModePaper, ModeLive, c.Mode)
	}
	if c.CapitalBase <= 0 {
		return fmt.Errorf("%w: capital_base must be positive, got %v", domain.ErrConfiguration, c.CapitalBase)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.Symbols.Validate(); err != nil {
		return err
	}
	if c.Reconcile.Schedule == "" {
		return fmt.Errorf("%w: reconcile.schedule is unset", domain.ErrConfiguration)
	}
	if c.Mode == ModeLive {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("%w: broker.base_url is required in live mode", domain.ErrConfiguration)
		}
		if c.Secrets.BrokerKeyID == "" || c.Secrets.BrokerSecret == "" {
			return fmt.Errorf("%w: BROKER_KEY_ID and BROKER_SECRET are required in live mode", domain.ErrConfiguration)
		}
	}
	if c.Strategy.MinConfidence < 0 || c.Strategy.MinConfidence > 1 {
		return fmt.Errorf("%w: strategy.min_confidence must be in [0,1], got %v", domain.ErrConfiguration, c.Strategy.MinConfidence)
	}
	for _, s := range c.Strategy.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("%w: strategy symbol entry with empty symbol", domain.ErrConfiguration)
		}
		if !s.AssetClass.Valid() {
			return fmt.Errorf("%w: strategy symbol %s has unknown asset class %q", domain.ErrConfiguration, s.Symbol, s.AssetClass)
		}
		if s.MaxQty <= 0 {
			return fmt.Errorf("%w: strategy symbol %s needs a positive max_qty", domain.ErrConfiguration, s.Symbol)
		}
		if c.Mode == ModePaper && s.SeedPrice <= 0 {
			return fmt.Errorf("%w: strategy symbol %s needs a positive seed_price in paper mode", domain.ErrConfiguration, s.Symbol)
		}
	}
	if c.ServerAddr == "" {
		return fmt.Errorf("%w: server_addr is unset", domain.ErrConfiguration)
	}
	if c.AuditPath == "" {
		return fmt.Errorf("%w: audit_path is unset", domain.ErrConfiguration)
	}
	return nil
}
