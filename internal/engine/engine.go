// Package engine drives evaluation cycles: parallel per-pair statistics and
// signals, a barrier with a per-cycle timeout, then sequential coordination,
// risk gating, and execution.
package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/El-Monte/multi-agentic-trading/internal/config"
	"github.com/El-Monte/multi-agentic-trading/internal/market"
	"github.com/El-Monte/multi-agentic-trading/internal/metrics"
	"github.com/El-Monte/multi-agentic-trading/internal/portfolio"
	"github.com/El-Monte/multi-agentic-trading/internal/risk"
	"github.com/El-Monte/multi-agentic-trading/internal/sentiment"
	sig "github.com/El-Monte/multi-agentic-trading/internal/signal"
	"github.com/El-Monte/multi-agentic-trading/internal/spread"
	"github.com/El-Monte/multi-agentic-trading/internal/strategy"
)

// Engine wires the full decision pipeline over a set of configured pairs.
type Engine struct {
	cfg         *config.Config
	feed        market.Feed
	sentiment   sentiment.Provider
	strat       *strategy.MeanReversion
	coordinator *portfolio.Coordinator
	spreadEng   *spread.Engine
	corrMatrix  *risk.Matrix
	pairs       []config.PairConfig
	log         zerolog.Logger
}

// New assembles an engine. The strategy is configured here with each pair's
// effective thresholds.
func New(cfg *config.Config, feed market.Feed, sent sentiment.Provider, strat *strategy.MeanReversion,
	coord *portfolio.Coordinator, corr *risk.Matrix, log zerolog.Logger) *Engine {
	if sent == nil {
		sent = sentiment.Neutral{}
	}
	for _, p := range cfg.Pairs {
		entry, exit, brk := cfg.Thresholds(p)
		strat.Configure(p.LegA+"/"+p.LegB, strategy.Thresholds{Entry: entry, Exit: exit, RegimeBreak: brk})
	}
	return &Engine{
		cfg:         cfg,
		feed:        feed,
		sentiment:   sent,
		strat:       strat,
		coordinator: coord,
		spreadEng:   spread.NewEngine(cfg.Cycle.RollingWindow),
		corrMatrix:  corr,
		pairs:       cfg.Pairs,
		log:         log,
	}
}

type pairResult struct {
	pairID string
	eval   portfolio.PairEval
	prices map[string][]float64
	err    error
}

// Run evaluates cycles on the configured cadence until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Cycle.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				e.log.Error().Err(err).Msg("cycle failed")
			}
		}
	}
}

// RunCycle executes exactly one evaluation cycle. Pair evaluations run in
// parallel with no shared mutable state; the coordinator is the barrier. An
// aborted cycle leaves the portfolio untouched because commits happen only
// inside the coordinator after the approval-to-execution chain succeeds.
func (e *Engine) RunCycle(ctx context.Context) (portfolio.CycleResult, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.Cycle.Timeout())
	defer cancel()

	// snapshot machine states so transitions made by evaluations that miss
	// the barrier can be unwound
	prior := make(map[string]sig.State, len(e.pairs))
	for _, pc := range e.pairs {
		id := pc.LegA + "/" + pc.LegB
		prior[id] = e.strat.State(id)
	}

	results := make(chan pairResult, len(e.pairs))
	for _, pc := range e.pairs {
		go func(pc config.PairConfig) {
			results <- e.evaluatePair(cctx, pc)
		}(pc)
	}

	evals := make([]portfolio.PairEval, 0, len(e.pairs))
	legPrices := make(map[string][]float64)
	pending := len(e.pairs)
	timedOut := false

	// the channel is buffered per pair and cancellation fails the feed calls
	// fast, so draining after the deadline stays bounded
	for pending > 0 {
		var res pairResult
		if timedOut {
			res = <-results
		} else {
			select {
			case res = <-results:
			case <-cctx.Done():
				timedOut = true
				continue
			}
		}
		pending--
		if res.err != nil {
			// per-pair failure never aborts the cycle for other pairs
			e.markStale(res.pairID, res.err)
			continue
		}
		if timedOut {
			// evaluated after the deadline: the coordinator never sees it,
			// so the transition must not stand
			e.strat.Restore(res.pairID, prior[res.pairID])
			e.markStale(res.pairID, context.DeadlineExceeded)
			continue
		}
		evals = append(evals, res.eval)
		for ticker, prices := range res.prices {
			legPrices[ticker] = prices
		}
	}
	if ctx.Err() != nil {
		return portfolio.CycleResult{}, ctx.Err()
	}

	e.updateCorrelations(legPrices)

	sort.Slice(evals, func(i, j int) bool { return evals[i].Signal.PairID < evals[j].Signal.PairID })
	result := e.coordinator.Process(evals)
	for _, restore := range result.Restores {
		e.strat.Restore(restore.PairID, restore.State)
	}

	metrics.CyclesTotal.Inc()
	return result, nil
}

// evaluatePair computes spread statistics and runs the signal state machine
// for one pair. Stale or short history surfaces as an error; the pair is
// skipped, not the cycle.
func (e *Engine) evaluatePair(ctx context.Context, pc config.PairConfig) pairResult {
	pairID := pc.LegA + "/" + pc.LegB
	res := pairResult{pairID: pairID}

	for _, leg := range []string{pc.LegA, pc.LegB} {
		if e.feed.IsStale(leg) {
			res.err = market.ErrStaleData
			return res
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Feed.CallTimeout())
	defer cancel()

	barsA, err := e.feed.PriceSeries(callCtx, pc.LegA, e.spreadEng.Window())
	if err != nil {
		res.err = err
		return res
	}
	barsB, err := e.feed.PriceSeries(callCtx, pc.LegB, e.spreadEng.Window())
	if err != nil {
		res.err = err
		return res
	}

	pricesA := market.Prices(barsA)
	pricesB := market.Prices(barsB)
	stats, err := e.spreadEng.Compute(pricesA, pricesB)
	if err != nil {
		res.err = err
		return res
	}

	quoteA, err := e.feed.Quote(pc.LegA)
	if err != nil {
		res.err = err
		return res
	}
	quoteB, err := e.feed.Quote(pc.LegB)
	if err != nil {
		res.err = err
		return res
	}

	ts := barsA[len(barsA)-1].Ts
	obs := sig.SpreadObservation{
		PairID: pairID,
		Ts:     ts,
		Spread: stats.Spread,
		Mean:   stats.Mean,
		Std:    stats.Std,
		Z:      stats.Z,
	}

	score, err := e.sentiment.Score(callCtx, pairID)
	if err != nil {
		// sentiment is color, never correctness
		e.log.Debug().Err(err).Str("pair", pairID).Msg("sentiment unavailable, neutral")
		score = 0
	}

	signal := e.strat.Evaluate(obs, sentiment.Clamp(score))
	metrics.SignalsTotal.WithLabelValues(pairID, string(signal.Kind)).Inc()

	pairScore := spread.PairScore(stats.Correlation, stats.HalfLife)
	e.log.Debug().
		Str("pair", pairID).
		Float64("hedge_ratio", stats.HedgeRatio).
		Float64("correlation", stats.Correlation).
		Float64("half_life", stats.HalfLife).
		Float64("score", pairScore).
		Msg("pair statistics")

	res.eval = portfolio.PairEval{
		Pair: sig.Pair{
			LegA:        pc.LegA,
			LegB:        pc.LegB,
			HedgeRatio:  stats.HedgeRatio,
			Correlation: stats.Correlation,
			HalfLife:    stats.HalfLife,
			Score:       pairScore,
			UpdatedAt:   ts,
		},
		Stats:  stats,
		Signal: signal,
		QuoteA: quoteA,
		QuoteB: quoteB,
	}
	res.prices = map[string][]float64{pc.LegA: pricesA, pc.LegB: pricesB}
	return res
}

func (e *Engine) markStale(pairID string, err error) {
	metrics.StalePairsTotal.WithLabelValues(pairID).Inc()
	log := e.log.Warn().Str("pair", pairID)
	switch {
	case errors.Is(err, spread.ErrInsufficientHistory):
		log.Err(err).Msg("pair skipped: insufficient history")
	case errors.Is(err, market.ErrStaleData):
		log.Err(err).Msg("pair treated as hold: stale data")
	default:
		log.Err(err).Msg("pair skipped this cycle")
	}
}

// updateCorrelations refreshes the cross-pair leg correlation matrix the risk
// gate reads. Tickers are sorted so the refresh order is deterministic.
func (e *Engine) updateCorrelations(legPrices map[string][]float64) {
	if e.corrMatrix == nil {
		return
	}
	tickers := make([]string, 0, len(legPrices))
	for t := range legPrices {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	for i := 0; i < len(tickers); i++ {
		for j := i + 1; j < len(tickers); j++ {
			a, b := tickers[i], tickers[j]
			e.corrMatrix.Set(a, b, spread.ReturnCorrelation(legPrices[a], legPrices[b]))
		}
	}
}
