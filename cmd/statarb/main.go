package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/El-Monte/multi-agentic-trading/internal/config"
	"github.com/El-Monte/multi-agentic-trading/internal/engine"
	"github.com/El-Monte/multi-agentic-trading/internal/execution"
	"github.com/El-Monte/multi-agentic-trading/internal/journal"
	"github.com/El-Monte/multi-agentic-trading/internal/market"
	"github.com/El-Monte/multi-agentic-trading/internal/metrics"
	"github.com/El-Monte/multi-agentic-trading/internal/portfolio"
	"github.com/El-Monte/multi-agentic-trading/internal/risk"
	"github.com/El-Monte/multi-agentic-trading/internal/sentiment"
	"github.com/El-Monte/multi-agentic-trading/internal/strategy"
	"github.com/El-Monte/multi-agentic-trading/internal/util"
)

var (
	cfgFile       string
	sentimentFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "statarb",
		Short: "Pairs-trading decision pipeline",
		Long:  "Evaluates spread z-scores per pair, sizes entries with fractional Kelly, gates them on portfolio risk limits, and simulates fills.",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&sentimentFile, "sentiment", "", "optional YAML file of pair sentiment scores")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the live decision loop",
			RunE:  func(cmd *cobra.Command, args []string) error { return runLoop(false) },
		},
		&cobra.Command{
			Use:   "replay",
			Short: "Drive cycles from CSV price history",
			RunE:  func(cmd *cobra.Command, args []string) error { return runLoop(true) },
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLoop(replay bool) error {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := util.NewLogger(cfg.App.LogLevel)

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	feed, csvFeed, err := buildFeed(ctx, cfg, replay, log)
	if err != nil {
		return err
	}

	var sent sentiment.Provider = sentiment.Neutral{}
	if sentimentFile != "" {
		fp, err := sentiment.NewFileProvider(sentimentFile)
		if err != nil {
			return err
		}
		sent = fp
	}

	decisionSinks, fillSinks, closers, err := buildJournal(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	sinks := &journal.Multi{DecisionSinks: decisionSinks, FillSinks: fillSinks}

	corr := risk.NewMatrix()
	gate := risk.NewManager(risk.Limits{
		MaxSingleTradeFraction:            cfg.Sizing.MaxSingleTradeFraction,
		MaxGrossExposure:                  cfg.Sizing.MaxGrossExposure,
		CorrelationConcentrationThreshold: cfg.Risk.CorrelationConcentrationThreshold,
		CorrelatedExposureCap:             cfg.Risk.CorrelatedExposureCap,
	}, corr)

	sim := execution.NewSimulator(execution.Config{
		BaseSlippageBps:   cfg.Execution.BaseSlippageBps,
		ImpactCoefficient: cfg.Execution.ImpactCoefficient,
		FeeBps:            cfg.Execution.FeeBps,
		FeeFlat:           cfg.Execution.FeeFlat,
	}, log)

	coord := portfolio.NewCoordinator(portfolio.Sizing{
		KellyFraction:          cfg.Sizing.KellyFraction,
		MaxSingleTradeFraction: cfg.Sizing.MaxSingleTradeFraction,
		MaxGrossExposure:       cfg.Sizing.MaxGrossExposure,
	}, cfg.Execution.Capital, gate, sim, sinks, sinks, log)

	strat := strategy.NewMeanReversion(cfg.Strategy.SentimentWeight)
	eng := engine.New(cfg, feed, sent, strat, coord, corr, log)

	if replay {
		return replayLoop(ctx, eng, csvFeed, log)
	}

	log.Info().Int("pairs", len(cfg.Pairs)).Msg("decision loop started")
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("shutting down")
	return nil
}

func buildFeed(ctx context.Context, cfg *config.Config, replay bool, log zerolog.Logger) (market.Feed, *market.CSVFeed, error) {
	if replay || cfg.Feed.Provider == "csv" {
		csvFeed, err := market.NewCSVFeed(cfg.Feed.CSVDir, cfg.Cycle.RollingWindow)
		if err != nil {
			return nil, nil, err
		}
		return csvFeed, csvFeed, nil
	}

	switch cfg.Feed.Provider {
	case "binance":
		tickers := tickerSet(cfg)
		feed := market.NewBinanceFeed(tickers, cfg.Cycle.Interval(), cfg.Feed.StalenessMax(), log)
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("binance feed stopped")
			}
		}()
		return feed, nil, nil
	default:
		return market.NewStubFeed(tickerSet(cfg)), nil, nil
	}
}

func buildJournal(cfg *config.Config) (decisions []portfolio.DecisionSink, fills []portfolio.FillSink, closers []func() error, err error) {
	if cfg.Journal.FillsPath != "" || cfg.Journal.DecisionsPath != "" {
		rec, err := journal.NewJSONLRecorder(cfg.Journal.FillsPath, cfg.Journal.DecisionsPath)
		if err != nil {
			return nil, nil, nil, err
		}
		decisions = append(decisions, rec)
		fills = append(fills, rec)
		closers = append(closers, rec.Close)
	}
	if cfg.Journal.SQLitePath != "" {
		store, err := journal.OpenStore(cfg.Journal.SQLitePath)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, nil, err
		}
		decisions = append(decisions, store)
		fills = append(fills, store)
		closers = append(closers, store.Close)
	}
	return decisions, fills, closers, nil
}

func replayLoop(ctx context.Context, eng *engine.Engine, csvFeed *market.CSVFeed, log zerolog.Logger) error {
	cycles := 0
	for {
		if ctx.Err() != nil {
			log.Info().Int("cycles", cycles).Msg("replay interrupted")
			return nil
		}
		if _, err := eng.RunCycle(ctx); err != nil {
			return err
		}
		cycles++
		if !csvFeed.Advance() {
			break
		}
	}
	log.Info().Int("cycles", cycles).Msg("replay complete")
	return nil
}

func tickerSet(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range cfg.Pairs {
		for _, leg := range []string{p.LegA, p.LegB} {
			if _, ok := seen[leg]; !ok {
				seen[leg] = struct{}{}
				out = append(out, leg)
			}
		}
	}
	return out
}
