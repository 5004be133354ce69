// Package execution converts approved allocations into simulated fills with
// a slippage and fee model.
package execution

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/El-Monte/multi-agentic-trading/internal/market"
	"github.com/El-Monte/multi-agentic-trading/internal/metrics"
	sig "github.com/El-Monte/multi-agentic-trading/internal/signal"
)

// ErrExecution marks a fill that could not be produced. The candidate is
// rolled back and its allocation released.
var ErrExecution = errors.New("execution failed")

// Fill is the append-only record of one simulated two-leg execution.
type Fill struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	PairID      string    `json:"pair_id"`
	Side        sig.Side  `json:"side"`
	Closing     bool      `json:"closing,omitempty"`
	QtyA        float64   `json:"qty_a"`
	QtyB        float64   `json:"qty_b"`
	PriceA      float64   `json:"price_a"` // effective price after slippage
	PriceB      float64   `json:"price_b"`
	Fees        float64   `json:"fees"`
	SlippageBps float64   `json:"slippage_bps"` // notional-weighted across legs
	Ts          time.Time `json:"ts"`
}

// Request describes the trade the coordinator wants simulated.
type Request struct {
	PositionID string
	PairID     string
	Side       sig.Side // LONG_SPREAD buys leg A and sells leg B
	Closing    bool     // reverse the legs to unwind
	Notional   float64  // dollar notional to deploy across both legs
	HedgeRatio float64
	QuoteA     market.Quote
	QuoteB     market.Quote
}

// Config tunes the slippage and fee model.
type Config struct {
	BaseSlippageBps   float64
	ImpactCoefficient float64 // extra bps per 1.0 of ADV participation
	FeeBps            float64
	FeeFlat           float64
}

// Simulator produces fills. Calls are sequential per cycle; the simulator
// itself keeps no state between calls.
type Simulator struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// NewSimulator builds a simulator with the given model parameters.
func NewSimulator(cfg Config, log zerolog.Logger) *Simulator {
	return &Simulator{cfg: cfg, log: log, now: time.Now}
}

// Execute sizes both legs so one spread unit costs pA + |beta|*pB, keeping
// the trade dollar-neutral per the hedge ratio, then applies slippage against
// the trader on each leg and charges fees.
func (s *Simulator) Execute(req Request) (Fill, error) {
	if req.QuoteA.Price <= 0 || req.QuoteB.Price <= 0 {
		return Fill{}, fmt.Errorf("%w: missing leg quote for %s", ErrExecution, req.PairID)
	}
	if req.QuoteA.ADVNotional <= 0 || req.QuoteB.ADVNotional <= 0 {
		return Fill{}, fmt.Errorf("%w: missing liquidity data for %s", ErrExecution, req.PairID)
	}

	beta := math.Abs(req.HedgeRatio)
	unitCost := req.QuoteA.Price + beta*req.QuoteB.Price
	units := req.Notional / unitCost
	qtyA := units
	qtyB := beta * units
	if qtyA <= 0 || qtyB <= 0 {
		return Fill{}, fmt.Errorf("%w: computed zero quantity for %s", ErrExecution, req.PairID)
	}

	notionalA := qtyA * req.QuoteA.Price
	notionalB := qtyB * req.QuoteB.Price

	slipA := s.slippageBps(notionalA, req.QuoteA.ADVNotional)
	slipB := s.slippageBps(notionalB, req.QuoteB.ADVNotional)

	buyA := req.Side == sig.LongSpread
	if req.Closing {
		buyA = !buyA
	}

	priceA := applySlippage(req.QuoteA.Price, slipA, buyA)
	priceB := applySlippage(req.QuoteB.Price, slipB, !buyA)

	fees := s.cfg.FeeFlat + (notionalA+notionalB)*s.cfg.FeeBps/10000

	fill := Fill{
		ID:          uuid.NewString(),
		PositionID:  req.PositionID,
		PairID:      req.PairID,
		Side:        req.Side,
		Closing:     req.Closing,
		QtyA:        qtyA,
		QtyB:        qtyB,
		PriceA:      priceA,
		PriceB:      priceB,
		Fees:        fees,
		SlippageBps: (slipA*notionalA + slipB*notionalB) / (notionalA + notionalB),
		Ts:          s.now(),
	}

	metrics.FillsTotal.WithLabelValues(req.PairID).Inc()
	s.log.Info().
		Str("pair", req.PairID).
		Str("side", string(req.Side)).
		Bool("closing", req.Closing).
		Float64("qty_a", qtyA).
		Float64("qty_b", qtyB).
		Float64("px_a", priceA).
		Float64("px_b", priceB).
		Float64("slippage_bps", fill.SlippageBps).
		Msg("fill")
	return fill, nil
}

func (s *Simulator) slippageBps(orderNotional, advNotional float64) float64 {
	return s.cfg.BaseSlippageBps + s.cfg.ImpactCoefficient*(orderNotional/advNotional)
}

// applySlippage moves the quoted price against the trader: buyers pay more,
// sellers receive less.
func applySlippage(price, bps float64, buying bool) float64 {
	frac := bps / 10000
	if buying {
		return price * (1 + frac)
	}
	return price * (1 - frac)
}
