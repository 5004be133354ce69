// Package portfolio aggregates per-pair signals into capital allocations,
// submits them to the risk gate, and commits approved positions.
package portfolio

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/El-Monte/multi-agentic-trading/internal/execution"
	"github.com/El-Monte/multi-agentic-trading/internal/market"
	"github.com/El-Monte/multi-agentic-trading/internal/metrics"
	"github.com/El-Monte/multi-agentic-trading/internal/risk"
	sig "github.com/El-Monte/multi-agentic-trading/internal/signal"
	"github.com/El-Monte/multi-agentic-trading/internal/spread"
)

const varianceFloor = 1e-10

// Position is an open spread trade, owned exclusively by the coordinator and
// mutated only through approved entries and exits.
type Position struct {
	ID          string    `json:"id"`
	PairID      string    `json:"pair_id"`
	LegA        string    `json:"leg_a"`
	LegB        string    `json:"leg_b"`
	Side        sig.Side  `json:"side"`
	Size        float64   `json:"size"` // fraction of capital
	HedgeRatio  float64   `json:"hedge_ratio"`
	EntryPriceA float64   `json:"entry_price_a"`
	EntryPriceB float64   `json:"entry_price_b"`
	EntryZ      float64   `json:"entry_z"`
	OpenedAt    time.Time `json:"opened_at"`
}

// PairEval bundles everything one pair produced in a cycle.
type PairEval struct {
	Pair   sig.Pair
	Stats  spread.Stats
	Signal sig.Signal
	QuoteA market.Quote
	QuoteB market.Quote
}

// Decision is one row of the append-only decision log.
type Decision struct {
	Cycle         uint64        `json:"cycle"`
	Signal        sig.Signal    `json:"signal"`
	CandidateSize float64       `json:"candidate_size"`
	Verdict       *risk.Verdict `json:"verdict,omitempty"`
	Outcome       string        `json:"outcome"`
	Ts            time.Time     `json:"ts"`
}

// Decision outcomes beyond the risk verdict itself.
const (
	OutcomeHold       = "HOLD"
	OutcomeOpened     = "OPENED"
	OutcomeClosed     = "CLOSED"
	OutcomeVetoed     = "VETOED"
	OutcomeExecFailed = "EXECUTION_FAILED"
	OutcomeNoPosition = "NO_POSITION"
	OutcomeZeroSize   = "ZERO_SIZE"
)

// StateRestore lets the coordinator report entry/exit outcomes back to the
// signal state machine when a transition must be unwound.
type StateRestore struct {
	PairID string
	State  sig.State
}

// CycleResult summarizes everything committed during one Process call.
type CycleResult struct {
	Decisions []Decision
	Fills     []execution.Fill
	Restores  []StateRestore
}

// Sizing holds the fractional-Kelly parameters.
type Sizing struct {
	KellyFraction          float64
	MaxSingleTradeFraction float64
	MaxGrossExposure       float64
}

// DecisionSink receives decision-log rows.
type DecisionSink interface {
	RecordDecision(Decision) error
}

// FillSink receives trade-log rows.
type FillSink interface {
	RecordFill(execution.Fill) error
}

// Coordinator owns the position book. Process is the cycle barrier exit: it
// is called once per cycle after all pair evaluations complete, and handles
// candidates strictly sequentially.
type Coordinator struct {
	mu        sync.Mutex
	sizing    Sizing
	capital   float64
	riskGate  *risk.Manager
	simulator *execution.Simulator
	decisions DecisionSink
	fills     FillSink
	log       zerolog.Logger
	positions map[string]*Position // by pair id
	cycle     uint64
	now       func() time.Time
}

// NewCoordinator wires the coordinator to its risk gate, simulator, and logs.
func NewCoordinator(sizing Sizing, capital float64, gate *risk.Manager, sim *execution.Simulator, decisions DecisionSink, fills FillSink, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		sizing:    sizing,
		capital:   capital,
		riskGate:  gate,
		simulator: sim,
		decisions: decisions,
		fills:     fills,
		log:       log,
		positions: make(map[string]*Position),
		now:       time.Now,
	}
}

// Positions returns a snapshot of the open book.
func (c *Coordinator) Positions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

// GrossExposure is the sum of absolute open sizes.
func (c *Coordinator) GrossExposure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grossLocked()
}

func (c *Coordinator) grossLocked() float64 {
	var gross float64
	for _, p := range c.positions {
		gross += math.Abs(p.Size)
	}
	return gross
}

// Process runs one cycle: exits first (never vetoed), then entry candidates
// in descending |z| order with pair id as tiebreak. Every signal produces a
// decision-log row; commits happen only after the full approve-then-execute
// chain succeeds.
func (c *Coordinator) Process(evals []PairEval) CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycle++

	var result CycleResult

	exits, entries, holds := splitSignals(evals)

	for _, ev := range exits {
		c.processExit(ev, &result)
	}
	c.processEntries(entries, &result)
	for _, ev := range holds {
		c.record(&result, Decision{
			Cycle:   c.cycle,
			Signal:  ev.Signal,
			Outcome: OutcomeHold,
			Ts:      c.now(),
		})
	}

	metrics.GrossExposure.Set(c.grossLocked())
	return result
}

func splitSignals(evals []PairEval) (exits, entries, holds []PairEval) {
	for _, ev := range evals {
		switch ev.Signal.Kind {
		case sig.Exit:
			exits = append(exits, ev)
		case sig.EntryLong, sig.EntryShort:
			entries = append(entries, ev)
		default:
			holds = append(holds, ev)
		}
	}
	sort.Slice(exits, func(i, j int) bool { return exits[i].Signal.PairID < exits[j].Signal.PairID })
	sort.Slice(entries, func(i, j int) bool {
		zi, zj := math.Abs(entries[i].Signal.Z), math.Abs(entries[j].Signal.Z)
		if zi != zj {
			return zi > zj
		}
		return entries[i].Signal.PairID < entries[j].Signal.PairID
	})
	return exits, entries, holds
}

// processExit unconditionally closes the matching open position. A failed
// closing fill leaves the position open and restores the machine state so the
// exit is retried on a later cycle.
func (c *Coordinator) processExit(ev PairEval, result *CycleResult) {
	pos, ok := c.positions[ev.Signal.PairID]
	if !ok {
		result.Restores = append(result.Restores, StateRestore{PairID: ev.Signal.PairID, State: sig.StateFlat})
		c.record(result, Decision{
			Cycle:   c.cycle,
			Signal:  ev.Signal,
			Outcome: OutcomeNoPosition,
			Ts:      c.now(),
		})
		return
	}

	fill, err := c.simulator.Execute(execution.Request{
		PositionID: pos.ID,
		PairID:     pos.PairID,
		Side:       pos.Side,
		Closing:    true,
		Notional:   pos.Size * c.capital,
		HedgeRatio: pos.HedgeRatio,
		QuoteA:     ev.QuoteA,
		QuoteB:     ev.QuoteB,
	})
	if err != nil {
		c.log.Error().Err(err).Str("pair", pos.PairID).Msg("exit execution failed, keeping position")
		result.Restores = append(result.Restores, StateRestore{PairID: pos.PairID, State: stateForSide(pos.Side)})
		c.record(result, Decision{
			Cycle:         c.cycle,
			Signal:        ev.Signal,
			CandidateSize: pos.Size,
			Outcome:       OutcomeExecFailed,
			Ts:            c.now(),
		})
		return
	}

	delete(c.positions, pos.PairID)
	result.Fills = append(result.Fills, fill)
	c.recordFill(fill)
	c.record(result, Decision{
		Cycle:         c.cycle,
		Signal:        ev.Signal,
		CandidateSize: pos.Size,
		Outcome:       OutcomeClosed,
		Ts:            c.now(),
	})
	c.log.Info().Str("pair", pos.PairID).Float64("size", pos.Size).Msg("position closed")
}

// processEntries walks candidates in the deterministic order, sizing each
// with fractional Kelly and scaling down against remaining headroom. When no
// headroom remains the candidate still goes to the gate unscaled so the
// EXPOSURE_LIMIT veto lands in the audit log.
func (c *Coordinator) processEntries(entries []PairEval, result *CycleResult) {
	for _, ev := range entries {
		size := c.kellySize(ev)
		if size <= 0 {
			result.Restores = append(result.Restores, StateRestore{PairID: ev.Signal.PairID, State: sig.StateFlat})
			c.record(result, Decision{
				Cycle:   c.cycle,
				Signal:  ev.Signal,
				Outcome: OutcomeZeroSize,
				Ts:      c.now(),
			})
			continue
		}

		headroom := c.sizing.MaxGrossExposure - c.grossLocked()
		if headroom > 0 && size > headroom {
			size = headroom
		}

		candidate := risk.Candidate{
			ID:     uuid.NewString(),
			PairID: ev.Signal.PairID,
			LegA:   ev.Pair.LegA,
			LegB:   ev.Pair.LegB,
			Size:   size,
		}
		verdict := c.riskGate.Evaluate(candidate, c.openBook())

		if verdict.Outcome == risk.Vetoed {
			metrics.VetoesTotal.WithLabelValues(string(verdict.Reason)).Inc()
			result.Restores = append(result.Restores, StateRestore{PairID: ev.Signal.PairID, State: sig.StateFlat})
			c.record(result, Decision{
				Cycle:         c.cycle,
				Signal:        ev.Signal,
				CandidateSize: size,
				Verdict:       &verdict,
				Outcome:       OutcomeVetoed,
				Ts:            c.now(),
			})
			c.log.Info().
				Str("pair", ev.Signal.PairID).
				Str("reason", string(verdict.Reason)).
				Float64("size", size).
				Msg("candidate vetoed")
			continue
		}

		pos := &Position{
			ID:          candidate.ID,
			PairID:      ev.Signal.PairID,
			LegA:        ev.Pair.LegA,
			LegB:        ev.Pair.LegB,
			Side:        sideForKind(ev.Signal.Kind),
			Size:        size,
			HedgeRatio:  ev.Stats.HedgeRatio,
			EntryPriceA: ev.QuoteA.Price,
			EntryPriceB: ev.QuoteB.Price,
			EntryZ:      ev.Signal.Z,
			OpenedAt:    c.now(),
		}

		fill, err := c.simulator.Execute(execution.Request{
			PositionID: pos.ID,
			PairID:     pos.PairID,
			Side:       pos.Side,
			Notional:   size * c.capital,
			HedgeRatio: pos.HedgeRatio,
			QuoteA:     ev.QuoteA,
			QuoteB:     ev.QuoteB,
		})
		if err != nil {
			// rollback: allocation released, position never committed
			c.log.Error().Err(err).Str("pair", pos.PairID).Msg("entry execution failed, rolling back")
			result.Restores = append(result.Restores, StateRestore{PairID: ev.Signal.PairID, State: sig.StateFlat})
			c.record(result, Decision{
				Cycle:         c.cycle,
				Signal:        ev.Signal,
				CandidateSize: size,
				Verdict:       &verdict,
				Outcome:       OutcomeExecFailed,
				Ts:            c.now(),
			})
			continue
		}

		c.positions[pos.PairID] = pos
		result.Fills = append(result.Fills, fill)
		c.recordFill(fill)
		c.record(result, Decision{
			Cycle:         c.cycle,
			Signal:        ev.Signal,
			CandidateSize: size,
			Verdict:       &verdict,
			Outcome:       OutcomeOpened,
			Ts:            c.now(),
		})
		c.log.Info().
			Str("pair", pos.PairID).
			Str("side", string(pos.Side)).
			Float64("size", size).
			Float64("z", ev.Signal.Z).
			Msg("position opened")
	}
}

// kellySize computes size = kellyFraction * edge / variance, where edge is
// the expected reversion magnitude in return units and variance the trailing
// variance of spread returns, capped at the single-trade limit. Confidence
// (including any sentiment tilt) scales the result.
func (c *Coordinator) kellySize(ev PairEval) float64 {
	variance := math.Max(ev.Stats.ReturnVariance, varianceFloor)
	edge := math.Abs(ev.Signal.Z) * ev.Stats.Std / ev.Stats.UnitNotional
	size := c.sizing.KellyFraction * edge / variance * ev.Signal.Confidence
	if size > c.sizing.MaxSingleTradeFraction {
		size = c.sizing.MaxSingleTradeFraction
	}
	if size < 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return 0
	}
	return size
}

func (c *Coordinator) openBook() []risk.Open {
	out := make([]risk.Open, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, risk.Open{PairID: p.PairID, LegA: p.LegA, LegB: p.LegB, Size: p.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

func (c *Coordinator) record(result *CycleResult, d Decision) {
	result.Decisions = append(result.Decisions, d)
	if c.decisions != nil {
		if err := c.decisions.RecordDecision(d); err != nil {
			c.log.Error().Err(err).Msg("decision log write failed")
		}
	}
}

func (c *Coordinator) recordFill(f execution.Fill) {
	if c.fills != nil {
		if err := c.fills.RecordFill(f); err != nil {
			c.log.Error().Err(err).Msg("trade log write failed")
		}
	}
}

func sideForKind(k sig.Kind) sig.Side {
	if k == sig.EntryLong {
		return sig.LongSpread
	}
	return sig.ShortSpread
}

func stateForSide(s sig.Side) sig.State {
	switch s {
	case sig.LongSpread:
		return sig.StateLong
	case sig.ShortSpread:
		return sig.StateShort
	}
	return sig.StateFlat
}
