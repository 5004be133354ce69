package journal

import (
	"github.com/El-Monte/multi-agentic-trading/internal/execution"
	"github.com/El-Monte/multi-agentic-trading/internal/portfolio"
	sig "github.com/El-Monte/multi-agentic-trading/internal/signal"
)

// Multi fans records out to several sinks, stopping at the first error.
type Multi struct {
	DecisionSinks []portfolio.DecisionSink
	FillSinks     []portfolio.FillSink
}

// RecordDecision implements portfolio.DecisionSink.
func (m *Multi) RecordDecision(d portfolio.Decision) error {
	for _, sink := range m.DecisionSinks {
		if err := sink.RecordDecision(d); err != nil {
			return err
		}
	}
	return nil
}

// RecordFill implements portfolio.FillSink.
func (m *Multi) RecordFill(f execution.Fill) error {
	for _, sink := range m.FillSinks {
		if err := sink.RecordFill(f); err != nil {
			return err
		}
	}
	return nil
}

func signalKind(raw string) sig.Kind {
	switch sig.Kind(raw) {
	case sig.EntryLong, sig.EntryShort, sig.Exit, sig.Hold:
		return sig.Kind(raw)
	}
	return sig.Hold
}

func signalState(raw string) sig.State {
	switch sig.State(raw) {
	case sig.StateLong, sig.StateShort, sig.StateFlat:
		return sig.State(raw)
	}
	return sig.StateFlat
}
