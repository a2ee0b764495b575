// Command engine runs the trading engine: the risk-gated execution path, the
// reconciliation loop, and the read-only HTTP query surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/alerts"
	"github.com/oakrand/tradecore/internal/audit"
	"github.com/oakrand/tradecore/internal/broker"
	"github.com/oakrand/tradecore/internal/config"
	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/engine"
	"github.com/oakrand/tradecore/internal/ledger"
	"github.com/oakrand/tradecore/internal/reconcile"
	"github.com/oakrand/tradecore/internal/risk"
	"github.com/oakrand/tradecore/internal/scheduler"
	"github.com/oakrand/tradecore/internal/server"
	"github.com/oakrand/tradecore/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if *pretty {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration rejected")
	}
	log.Info().Str("mode", string(cfg.Mode)).Str("config", *configPath).Msg("starting engine")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("engine exited with error")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	store, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return err
	}
	defer store.Close()

	policy, err := risk.NewPolicy(cfg.Limits, cfg.Symbols)
	if err != nil {
		return err
	}

	brk, sim, err := buildBroker(cfg, log)
	if err != nil {
		return err
	}

	var sink alerts.Sink = alerts.Nop{}
	var webhook *alerts.Webhook
	if cfg.Secrets.AlertWebhookURL != "" {
		webhook = alerts.NewWebhook(alerts.Config{
			WebhookURL:    cfg.Secrets.AlertWebhookURL,
			DedupeWindow:  cfg.Alerts.DedupeWindow,
			RatePerMinute: cfg.Alerts.RatePerMinute,
		}, log)
		sink = webhook
	} else {
		log.Warn().Msg("ALERT_WEBHOOK_URL unset, alerts disabled")
	}

	led := ledger.New()
	eng := engine.New(led, policy, brk, sink, store, decimal.NewFromFloat(cfg.CapitalBase), log)
	rec := reconcile.New(led, brk, sink, store, decimal.NewFromFloat(cfg.Reconcile.Epsilon), log)

	// Seed the ledger from broker state before accepting any candidate, so the
	// first sell gate already sees real positions.
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := rec.RunOnce(startCtx); err != nil {
		cancel()
		return err
	}
	cancel()

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.Reconcile.Schedule, reconcile.Job{Reconciler: rec, Timeout: cfg.Reconcile.Timeout}); err != nil {
		return err
	}
	sched.Start()

	srv := server.New(cfg.ServerAddr, led, eng, store, rec, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Mode == config.ModePaper {
		runPaperLoop(ctx, cfg, eng, sim, log)
	} else {
		log.Info().Msg("live mode: waiting for shutdown signal")
		<-ctx.Done()
	}

	log.Info().Msg("shutting down")
	sched.Stop()
	rec.Close() // waits for an in-flight pass to finish correcting

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if webhook != nil {
		webhook.Close()
	}
	return nil
}

// buildBroker returns the live client or the sim venue; the sim pointer is
// non-nil only in paper mode, where the paper loop needs its price hooks.
func buildBroker(cfg config.Config, log zerolog.Logger) (broker.Broker, *broker.Sim, error) {
	if cfg.Mode == config.ModeLive {
		formatter := broker.Formatter{
			Canonical: cfg.Symbols.CryptoPairDelimiter,
			Wire:      map[domain.AssetClass]string{domain.AssetCrypto: cfg.Symbols.CryptoPairDelimiter},
		}
		brk, err := broker.NewHTTP(broker.HTTPConfig{
			BaseURL:     cfg.Broker.BaseURL,
			KeyID:       cfg.Secrets.BrokerKeyID,
			Secret:      cfg.Secrets.BrokerSecret,
			Timeout:     cfg.Broker.Timeout,
			MaxRetries:  cfg.Broker.MaxRetries,
			BackoffBase: cfg.Broker.BackoffBase,
			BackoffMax:  cfg.Broker.BackoffMax,
		}, formatter, log)
		if err != nil {
			return nil, nil, err
		}
		return brk, nil, nil
	}

	sim := broker.NewSim()
	for _, s := range cfg.Strategy.Symbols {
		sim.SetPrice(s.Symbol, decimal.NewFromFloat(s.SeedPrice))
	}
	return sim, sim, nil
}

// runPaperLoop polls the sim strategy and pushes gated candidates through the
// engine until the context is cancelled.
func runPaperLoop(ctx context.Context, cfg config.Config, eng *engine.Engine, sim *broker.Sim, log zerolog.Logger) {
	symbols := make([]strategy.SimSymbol, 0, len(cfg.Strategy.Symbols))
	for _, s := range cfg.Strategy.Symbols {
		symbols = append(symbols, strategy.SimSymbol{
			Symbol:     s.Symbol,
			AssetClass: s.AssetClass,
			MaxQty:     decimal.NewFromFloat(s.MaxQty),
		})
	}
	strat := strategy.NewSim(symbols)
	gate := strategy.ConfidenceGate{Min: cfg.Strategy.MinConfidence}

	interval := cfg.Strategy.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Int("symbols", len(symbols)).Msg("paper loop running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates, err := strat.Candidates(ctx)
			if err != nil {
				return
			}
			for _, c := range gate.Filter(candidates) {
				if _, err := eng.Execute(ctx, c); err != nil {
					log.Error().Err(err).Str("symbol", c.Symbol).Msg("candidate produced no decision")
				}
			}
		}
	}
}
