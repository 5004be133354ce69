package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/El-Monte/multi-agentic-trading/internal/config"
	"github.com/El-Monte/multi-agentic-trading/internal/execution"
	"github.com/El-Monte/multi-agentic-trading/internal/market"
	"github.com/El-Monte/multi-agentic-trading/internal/portfolio"
	"github.com/El-Monte/multi-agentic-trading/internal/risk"
	sig "github.com/El-Monte/multi-agentic-trading/internal/signal"
	"github.com/El-Monte/multi-agentic-trading/internal/strategy"
)

type staleFeed struct {
	market.Feed
	stale map[string]bool
}

func (s *staleFeed) IsStale(ticker string) bool { return s.stale[ticker] }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pairs = []config.PairConfig{
		{LegA: "ETR", LegB: "AEP"},
		{LegA: "NEE", LegB: "CWEN"},
	}
	cfg.Cycle.TimeoutMs = 5_000
	cfg.Feed.CallTimeoutMs = 1_000
	return &cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, feed market.Feed) (*Engine, *risk.Matrix) {
	t.Helper()
	log := zerolog.Nop()
	matrix := risk.NewMatrix()
	gate := risk.NewManager(risk.Limits{
		MaxSingleTradeFraction:            cfg.Sizing.MaxSingleTradeFraction,
		MaxGrossExposure:                  cfg.Sizing.MaxGrossExposure,
		CorrelationConcentrationThreshold: cfg.Risk.CorrelationConcentrationThreshold,
		CorrelatedExposureCap:             cfg.Risk.CorrelatedExposureCap,
	}, matrix)
	sim := execution.NewSimulator(execution.Config{BaseSlippageBps: cfg.Execution.BaseSlippageBps}, log)
	coord := portfolio.NewCoordinator(portfolio.Sizing{
		KellyFraction:          cfg.Sizing.KellyFraction,
		MaxSingleTradeFraction: cfg.Sizing.MaxSingleTradeFraction,
		MaxGrossExposure:       cfg.Sizing.MaxGrossExposure,
	}, cfg.Execution.Capital, gate, sim, nil, nil, log)
	strat := strategy.NewMeanReversion(cfg.Strategy.SentimentWeight)
	return New(cfg, feed, nil, strat, coord, matrix, log), matrix
}

func TestRunCycleEvaluatesEveryPair(t *testing.T) {
	cfg := testConfig()
	feed := market.NewStubFeed([]string{"ETR", "AEP", "NEE", "CWEN"})
	eng, _ := newTestEngine(t, cfg, feed)

	result, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	// every evaluated pair lands exactly one decision row
	require.Len(t, result.Decisions, 2)
	seen := map[string]bool{}
	for _, d := range result.Decisions {
		seen[d.Signal.PairID] = true
	}
	require.True(t, seen["ETR/AEP"])
	require.True(t, seen["NEE/CWEN"])
}

func TestRunCycleSkipsStalePair(t *testing.T) {
	cfg := testConfig()
	feed := &staleFeed{
		Feed:  market.NewStubFeed([]string{"ETR", "AEP", "NEE", "CWEN"}),
		stale: map[string]bool{"NEE": true},
	}
	eng, _ := newTestEngine(t, cfg, feed)

	result, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	require.Equal(t, "ETR/AEP", result.Decisions[0].Signal.PairID)
}

func TestRunCycleUpdatesCorrelationMatrix(t *testing.T) {
	cfg := testConfig()
	feed := market.NewStubFeed([]string{"ETR", "AEP", "NEE", "CWEN"})
	eng, matrix := newTestEngine(t, cfg, feed)

	_, err := eng.RunCycle(context.Background())
	require.NoError(t, err)

	_, ok := matrix.Correlation("ETR", "AEP")
	require.True(t, ok)
	// legs across different pairs correlate too, feeding the concentration gate
	_, ok = matrix.Correlation("ETR", "NEE")
	require.True(t, ok)
}

func TestRunCycleCancelledContext(t *testing.T) {
	cfg := testConfig()
	feed := market.NewStubFeed([]string{"ETR", "AEP", "NEE", "CWEN"})
	eng, _ := newTestEngine(t, cfg, feed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// fixedFeed serves a fixed bar series per ticker. The optional delay sleeps
// without watching the context, like a blocking client call.
type fixedFeed struct {
	bars  map[string][]market.Bar
	delay map[string]time.Duration
}

func (f *fixedFeed) PriceSeries(_ context.Context, ticker string, window int) ([]market.Bar, error) {
	if d := f.delay[ticker]; d > 0 {
		time.Sleep(d)
	}
	bars, ok := f.bars[ticker]
	if !ok {
		return nil, market.ErrUnknownTicker
	}
	if len(bars) > window {
		bars = bars[len(bars)-window:]
	}
	return bars, nil
}

func (f *fixedFeed) Quote(ticker string) (market.Quote, error) {
	bars, ok := f.bars[ticker]
	if !ok {
		return market.Quote{}, market.ErrUnknownTicker
	}
	last := bars[len(bars)-1]
	return market.Quote{Ticker: ticker, Price: last.Price, ADVNotional: 1e9, Ts: last.Ts}, nil
}

func (f *fixedFeed) IsStale(string) bool { return false }

// spikeBars alternates around base and ends with one bar far above it, so
// the final z-score is deep in entry territory.
func spikeBars(n int, base, spike float64) []market.Bar {
	ts := time.Unix(1_700_000_000, 0).UTC()
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		p := base + 0.5
		if i%2 == 1 {
			p = base - 0.5
		}
		if i == n-1 {
			p = spike
		}
		bars[i] = market.Bar{Ts: ts.Add(time.Duration(i) * time.Minute), Price: p, Volume: 1000}
	}
	return bars
}

func flatBars(n int, price float64) []market.Bar {
	ts := time.Unix(1_700_000_000, 0).UTC()
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = market.Bar{Ts: ts.Add(time.Duration(i) * time.Minute), Price: price, Volume: 1000}
	}
	return bars
}

func TestRunCycleRestoresEvaluationPastDeadline(t *testing.T) {
	cfg := testConfig()
	brk := 100.0
	cfg.Pairs = []config.PairConfig{{LegA: "ETR", LegB: "AEP", RegimeBreakThreshold: &brk}}
	cfg.Cycle.TimeoutMs = 50

	w := cfg.Cycle.RollingWindow
	feed := &fixedFeed{
		bars: map[string][]market.Bar{
			"ETR": spikeBars(w, 100, 106),
			"AEP": flatBars(w, 50),
		},
		delay: map[string]time.Duration{"ETR": 200 * time.Millisecond},
	}
	eng, _ := newTestEngine(t, cfg, feed)

	// the evaluation finishes after the cycle deadline: its entry signal is
	// never coordinated, so the state machine must stay flat
	result, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Decisions)
	require.Equal(t, sig.StateFlat, eng.strat.State("ETR/AEP"))

	// the same bars without the delay do open the position
	feed.delay = nil
	result, err = eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	require.Equal(t, sig.StateShort, eng.strat.State("ETR/AEP"))
}

func TestRunCycleLogsPairStatistics(t *testing.T) {
	cfg := testConfig()
	feed := market.NewStubFeed([]string{"ETR", "AEP", "NEE", "CWEN"})
	eng, _ := newTestEngine(t, cfg, feed)

	var buf bytes.Buffer
	eng.log = zerolog.New(&buf)

	_, err := eng.RunCycle(context.Background())
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "pair statistics")
	require.Contains(t, out, "half_life")
	require.Contains(t, out, "correlation")
	require.Contains(t, out, "score")
}

func TestRunCycleSignalsAreConsistentWithState(t *testing.T) {
	cfg := testConfig()
	feed := market.NewStubFeed([]string{"ETR", "AEP", "NEE", "CWEN"})
	eng, _ := newTestEngine(t, cfg, feed)

	// several cycles over the synthetic series must never panic and must keep
	// one decision per evaluated pair
	for i := 0; i < 10; i++ {
		result, err := eng.RunCycle(context.Background())
		require.NoError(t, err)
		require.LessOrEqual(t, len(result.Decisions), 2)
	}
}
