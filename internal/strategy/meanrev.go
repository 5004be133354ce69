// Package strategy turns spread observations into trading signals.
package strategy

import (
	"fmt"
	"sync"

	sig "github.com/El-Monte/multi-agentic-trading/internal/signal"
)

// Thresholds are the z-score levels driving the state machine.
type Thresholds struct {
	Entry       float64
	Exit        float64
	RegimeBreak float64
}

// MeanReversion is a per-pair state machine over {FLAT, LONG, SHORT}. It
// enters against stretched spreads, exits on reversion, and exits defensively
// when the deviation looks like a structural break instead of an opportunity.
type MeanReversion struct {
	sentimentWeight float64
	mu              sync.Mutex
	pairs           map[string]*pairState
}

type pairState struct {
	thresholds Thresholds
	state      sig.State
	seq        uint64
}

// NewMeanReversion builds an empty generator; pairs are added via Configure.
func NewMeanReversion(sentimentWeight float64) *MeanReversion {
	return &MeanReversion{
		sentimentWeight: sentimentWeight,
		pairs:           make(map[string]*pairState),
	}
}

// Name returns the identifier for logging.
func (m *MeanReversion) Name() string { return "MeanReversion" }

// Configure registers a pair with its thresholds, starting FLAT.
func (m *MeanReversion) Configure(pairID string, th Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pairs[pairID]; ok {
		existing.thresholds = th
		return
	}
	m.pairs[pairID] = &pairState{thresholds: th, state: sig.StateFlat}
}

// State reports the current machine state for a pair.
func (m *MeanReversion) State(pairID string) sig.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.pairs[pairID]; ok {
		return ps.state
	}
	return sig.StateFlat
}

// Restore forces a pair's machine state. The coordinator reports back when a
// transition must be unwound: a vetoed or failed entry goes back to FLAT so
// later cycles can re-enter, a failed exit back to its side so the exit is
// retried.
func (m *MeanReversion) Restore(pairID string, state sig.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.pairs[pairID]; ok {
		ps.state = state
	}
}

// Evaluate runs one transition for a fresh observation and emits the
// resulting signal. Stale observations must be filtered by the caller; every
// call here emits exactly one signal with a monotone sequence number.
func (m *MeanReversion) Evaluate(obs sig.SpreadObservation, sentimentScore float64) sig.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.pairs[obs.PairID]
	if !ok {
		ps = &pairState{thresholds: Thresholds{Entry: 2.0, Exit: 0.5, RegimeBreak: 3.0}, state: sig.StateFlat}
		m.pairs[obs.PairID] = ps
	}
	ps.seq++

	kind, reason := ps.transition(obs.Z)
	out := sig.Signal{
		PairID: obs.PairID,
		Kind:   kind,
		Z:      obs.Z,
		State:  ps.state,
		Seq:    ps.seq,
		Ts:     obs.Ts,
		Reason: reason,
	}
	out.Confidence = m.confidence(kind, obs.Z, ps.thresholds.Entry, sentimentScore)
	return out
}

func (ps *pairState) transition(z float64) (sig.Kind, string) {
	th := ps.thresholds
	abs := z
	if abs < 0 {
		abs = -abs
	}

	switch ps.state {
	case sig.StateFlat:
		if abs >= th.RegimeBreak {
			return sig.Hold, fmt.Sprintf("z=%.2f beyond regime break %.2f, not entering", z, th.RegimeBreak)
		}
		if z >= th.Entry {
			ps.state = sig.StateShort
			return sig.EntryShort, fmt.Sprintf("z=%.2f >= %.2f, spread rich", z, th.Entry)
		}
		if z <= -th.Entry {
			ps.state = sig.StateLong
			return sig.EntryLong, fmt.Sprintf("z=%.2f <= -%.2f, spread cheap", z, th.Entry)
		}
		return sig.Hold, ""

	case sig.StateLong, sig.StateShort:
		if abs <= th.Exit {
			ps.state = sig.StateFlat
			return sig.Exit, fmt.Sprintf("z=%.2f reverted within %.2f", z, th.Exit)
		}
		if abs >= th.RegimeBreak {
			ps.state = sig.StateFlat
			return sig.Exit, fmt.Sprintf("z=%.2f breached regime break %.2f", z, th.RegimeBreak)
		}
		return sig.Hold, ""
	}
	return sig.Hold, ""
}

// confidence follows the excess-z rule, tilted by sentiment when the provider
// supplies one. Exits always carry full confidence; holds none.
func (m *MeanReversion) confidence(kind sig.Kind, z, entry, sentimentScore float64) float64 {
	switch kind {
	case sig.Exit:
		return 1
	case sig.EntryLong, sig.EntryShort:
		abs := z
		if abs < 0 {
			abs = -abs
		}
		conf := 0.6 + 0.4*(abs-entry)
		if conf > 1 {
			conf = 1
		}
		tilt := sentimentScore
		if kind == sig.EntryShort {
			tilt = -sentimentScore
		}
		conf *= 1 + m.sentimentWeight*tilt
		if conf > 1 {
			conf = 1
		}
		if conf < 0 {
			conf = 0
		}
		return conf
	default:
		return 0
	}
}
