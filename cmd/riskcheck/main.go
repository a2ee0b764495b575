// Command riskcheck validates a configuration file and replays candidate
// trades through the full gate offline, printing one decision per line.
// Nothing is submitted anywhere; it exists to answer "would this trade have
// passed" before the engine ever runs.
//
// Input is JSONL on stdin (or -input), one candidate per line:
//
//	{"symbol":"BTC/USD","asset_class":"crypto","side":"BUY","quantity":"0.5","price":"65000"}
//
// An optional -positions file (JSON array of positions) seeds the ledger so
// sell gates and concentration checks run against realistic holdings.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/alerts"
	"github.com/oakrand/tradecore/internal/broker"
	"github.com/oakrand/tradecore/internal/config"
	"github.com/oakrand/tradecore/internal/domain"
	"github.com/oakrand/tradecore/internal/engine"
	"github.com/oakrand/tradecore/internal/ledger"
	"github.com/oakrand/tradecore/internal/risk"
)

type candidateLine struct {
	Symbol     string            `json:"symbol"`
	AssetClass domain.AssetClass `json:"asset_class"`
	Side       domain.Side       `json:"side"`
	Quantity   decimal.Decimal   `json:"quantity"`
	Confidence float64           `json:"confidence"`
	Price      decimal.Decimal   `json:"price"`
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	inputPath := flag.String("input", "-", "candidate JSONL file, - for stdin")
	positionsPath := flag.String("positions", "", "optional JSON file of positions to seed the ledger")
	flag.Parse()

	_ = godotenv.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration rejected")
	}
	log.Info().Str("config", *configPath).Msg("configuration valid")

	policy, err := risk.NewPolicy(cfg.Limits, cfg.Symbols)
	if err != nil {
		log.Fatal().Err(err).Msg("risk policy rejected")
	}

	led := ledger.New()
	venue := broker.NewSim()
	if *positionsPath != "" {
		if err := seedPositions(*positionsPath, led, venue); err != nil {
			log.Fatal().Err(err).Msg("seeding positions failed")
		}
	}

	eng := engine.New(led, policy, venue, alerts.Nop{}, nil, decimal.NewFromFloat(cfg.CapitalBase), log)

	if err := replay(*inputPath, eng, venue); err != nil {
		log.Fatal().Err(err).Msg("replay failed")
	}
}

func seedPositions(path string, led *ledger.Ledger, venue *broker.Sim) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var positions []domain.Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	led.ReplaceSnapshot(positions)
	for _, pos := range positions {
		venue.SetPosition(pos)
		if pos.Quantity.Sign() != 0 {
			venue.SetPrice(pos.Symbol, pos.MarketValue.Div(pos.Quantity).Abs())
		}
	}
	return nil
}

func replay(path string, eng *engine.Engine, venue *broker.Sim) error {
	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line candidateLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if line.Price.Sign() > 0 {
			venue.SetPrice(line.Symbol, line.Price)
		}

		d, err := eng.Validate(ctx, domain.CandidateTrade{
			Symbol:      line.Symbol,
			AssetClass:  line.AssetClass,
			Side:        line.Side,
			Quantity:    line.Quantity,
			Confidence:  line.Confidence,
			StrategyID:  "riskcheck",
			RequestedAt: time.Now().UTC(),
		})
		if err != nil {
			// No decision could be made; report it inline and keep replaying.
			_ = out.Encode(map[string]string{"line": fmt.Sprint(lineNo), "error": err.Error()})
			continue
		}
		if err := out.Encode(d); err != nil {
			return err
		}
	}
	return scanner.Err()
}
