// Package risk gates candidate allocations against portfolio-level limits.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of one gate evaluation.
type Outcome string

const (
	Approved Outcome = "APPROVED"
	Vetoed   Outcome = "VETOED"
)

// ReasonCode explains a verdict. Every veto carries exactly one.
type ReasonCode string

const (
	ReasonNone             ReasonCode = ""
	ReasonSizeLimit        ReasonCode = "SIZE_LIMIT"
	ReasonExposureLimit    ReasonCode = "EXPOSURE_LIMIT"
	ReasonCorrelationLimit ReasonCode = "CORRELATION_LIMIT"
)

// Limits are the configured veto thresholds.
type Limits struct {
	MaxSingleTradeFraction            float64
	MaxGrossExposure                  float64
	CorrelationConcentrationThreshold float64
	CorrelatedExposureCap             float64
}

// Candidate is a position the coordinator wants to open, expressed as a
// capital fraction.
type Candidate struct {
	ID     string
	PairID string
	LegA   string
	LegB   string
	Size   float64
}

// Open describes an already committed position the gate must account for.
type Open struct {
	PairID string
	LegA   string
	LegB   string
	Size   float64
}

// Verdict records one gate decision with the portfolio snapshot it was made
// against. Immutable once issued.
type Verdict struct {
	ID             string     `json:"id"`
	CandidateID    string     `json:"candidate_id"`
	Outcome        Outcome    `json:"outcome"`
	Reason         ReasonCode `json:"reason,omitempty"`
	GrossExposure  float64    `json:"gross_exposure"` // existing + candidate, absolute
	MaxCorrelation float64    `json:"max_correlation"`
	CorrelatedWith string     `json:"correlated_with,omitempty"`
	Ts             time.Time  `json:"ts"`
}

// Correlator reports trailing return correlation between two tickers.
// Unknown pairs report ok=false and are treated as uncorrelated.
type Correlator interface {
	Correlation(tickerA, tickerB string) (float64, bool)
}

// Manager evaluates candidates sequentially against the live portfolio
// snapshot. Decisions within a cycle must observe the cumulative effect of
// prior approvals, so Evaluate locks the snapshot for the whole decision.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	corr   Correlator
	now    func() time.Time
}

// NewManager builds a risk gate with the given limits and correlation source.
func NewManager(limits Limits, corr Correlator) *Manager {
	return &Manager{limits: limits, corr: corr, now: time.Now}
}

// Limits returns the configured thresholds.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Evaluate applies the veto rules in order, first match wins:
//  1. candidate size above the single-trade limit
//  2. gross exposure including the candidate above the portfolio cap
//  3. concentration in highly correlated pairs above the secondary cap
//
// Deterministic given the same open book and candidate.
func (m *Manager) Evaluate(c Candidate, open []Open) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	verdict := Verdict{
		ID:          uuid.NewString(),
		CandidateID: c.ID,
		Ts:          m.now(),
	}

	gross := math.Abs(c.Size)
	for _, o := range open {
		gross += math.Abs(o.Size)
	}
	verdict.GrossExposure = gross

	maxCorr, correlatedWith, correlatedSize := m.correlationExposure(c, open)
	verdict.MaxCorrelation = maxCorr
	verdict.CorrelatedWith = correlatedWith

	switch {
	case math.Abs(c.Size) > m.limits.MaxSingleTradeFraction:
		verdict.Outcome = Vetoed
		verdict.Reason = ReasonSizeLimit
	case gross > m.limits.MaxGrossExposure:
		verdict.Outcome = Vetoed
		verdict.Reason = ReasonExposureLimit
	case maxCorr > m.limits.CorrelationConcentrationThreshold &&
		correlatedSize+math.Abs(c.Size) > m.limits.CorrelatedExposureCap:
		verdict.Outcome = Vetoed
		verdict.Reason = ReasonCorrelationLimit
	default:
		verdict.Outcome = Approved
	}
	return verdict
}

// correlationExposure finds the strongest leg-level correlation between the
// candidate and each open pair, and the combined size of open positions past
// the concentration threshold.
func (m *Manager) correlationExposure(c Candidate, open []Open) (maxCorr float64, with string, correlatedSize float64) {
	candLegs := []string{c.LegA, c.LegB}
	for _, o := range open {
		if o.PairID == c.PairID {
			continue
		}
		pairMax := 0.0
		for _, cl := range candLegs {
			for _, ol := range []string{o.LegA, o.LegB} {
				corr, ok := m.lookup(cl, ol)
				if !ok {
					continue
				}
				if abs := math.Abs(corr); abs > pairMax {
					pairMax = abs
				}
			}
		}
		if pairMax > maxCorr {
			maxCorr = pairMax
			with = o.PairID
		}
		if pairMax > m.limits.CorrelationConcentrationThreshold {
			correlatedSize += math.Abs(o.Size)
		}
	}
	return maxCorr, with, correlatedSize
}

func (m *Manager) lookup(a, b string) (float64, bool) {
	if m.corr == nil || a == "" || b == "" {
		return 0, false
	}
	if a == b {
		return 1, true
	}
	return m.corr.Correlation(a, b)
}

// Matrix is a static symmetric Correlator, rebuilt each recompute cadence
// from trailing leg returns.
type Matrix struct {
	mu     sync.RWMutex
	values map[[2]string]float64
}

// NewMatrix returns an empty correlation matrix.
func NewMatrix() *Matrix {
	return &Matrix{values: make(map[[2]string]float64)}
}

// Set stores the correlation for a ticker pair, symmetric.
func (m *Matrix) Set(a, b string, corr float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key(a, b)] = corr
}

// Correlation implements Correlator.
func (m *Matrix) Correlation(a, b string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key(a, b)]
	return v, ok
}

func key(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
