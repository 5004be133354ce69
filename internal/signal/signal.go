// Package signal standardizes payloads shared between the spread, strategy,
// portfolio, and risk layers.
package signal

import "time"

// Kind enumerates the actions a strategy can request for a pair.
type Kind string

const (
	EntryLong  Kind = "ENTRY_LONG"
	EntryShort Kind = "ENTRY_SHORT"
	Exit       Kind = "EXIT"
	Hold       Kind = "HOLD"
)

// State enumerates the per-pair positions a strategy tracks.
type State string

const (
	StateFlat  State = "FLAT"
	StateLong  State = "LONG"
	StateShort State = "SHORT"
)

// Side enumerates spread position directions held by the portfolio.
type Side string

const (
	LongSpread  Side = "LONG_SPREAD"
	ShortSpread Side = "SHORT_SPREAD"
	FlatSpread  Side = "FLAT"
)

// Pair binds two legs with the fitted statistics that make their spread
// tradeable. Immutable between recomputations.
type Pair struct {
	LegA        string  `json:"leg_a" yaml:"leg_a"`
	LegB        string  `json:"leg_b" yaml:"leg_b"`
	HedgeRatio  float64 `json:"hedge_ratio"`
	Correlation float64 `json:"correlation"`
	HalfLife    float64 `json:"half_life"` // periods; +Inf when not mean reverting
	Score       float64 `json:"score"`
	UpdatedAt   time.Time
}

// ID returns the canonical "LEGA/LEGB" pair identifier.
func (p Pair) ID() string { return p.LegA + "/" + p.LegB }

// SpreadObservation captures one evaluation of a pair's spread statistics.
type SpreadObservation struct {
	PairID string    `json:"pair_id"`
	Ts     time.Time `json:"ts"`
	Spread float64   `json:"spread"`
	Mean   float64   `json:"mean"`
	Std    float64   `json:"std"`
	Z      float64   `json:"z"`
}

// Signal expresses a strategy decision for one pair in one cycle. Never
// mutated after emission; Seq increases monotonically per pair.
type Signal struct {
	PairID     string    `json:"pair_id"`
	Kind       Kind      `json:"kind"`
	Z          float64   `json:"z"`
	State      State     `json:"state"`
	Confidence float64   `json:"confidence"`
	Seq        uint64    `json:"seq"`
	Ts         time.Time `json:"ts"`
	Reason     string    `json:"reason,omitempty"`
}
