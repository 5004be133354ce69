package market

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// StubFeed emits deterministic synthetic mean-reverting series, useful for
// tests and offline work. Each PriceSeries call advances the series one bar,
// so repeated cycles see fresh data.
type StubFeed struct {
	mu     sync.Mutex
	series map[string]*stubSeries
	now    func() time.Time
}

type stubSeries struct {
	bars  []Bar
	step  int
	base  float64
	drift float64
}

// NewStubFeed seeds one synthetic series per ticker.
func NewStubFeed(tickers []string) *StubFeed {
	f := &StubFeed{series: make(map[string]*stubSeries), now: time.Now}
	for _, t := range tickers {
		h := fnv.New32a()
		_, _ = h.Write([]byte(t))
		seed := float64(h.Sum32()%900) + 100 // base price in [100,1000)
		f.series[t] = &stubSeries{base: seed, drift: seed / 500}
	}
	return f
}

func (s *stubSeries) next(ts time.Time) Bar {
	s.step++
	// damped sine around the base keeps the spread of two stub tickers
	// oscillating, which exercises entries and exits end to end
	px := s.base + s.drift*math.Sin(float64(s.step)/6.0)
	bar := Bar{Ts: ts, Price: px, Volume: 10_000}
	s.bars = append(s.bars, bar)
	if len(s.bars) > 512 {
		s.bars = s.bars[len(s.bars)-512:]
	}
	return bar
}

// PriceSeries advances the synthetic series and returns the trailing window.
func (f *StubFeed) PriceSeries(ctx context.Context, ticker string, window int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[ticker]
	if !ok {
		return nil, ErrUnknownTicker
	}
	ts := f.now()
	for len(s.bars) < window {
		s.next(ts)
	}
	s.next(ts)
	start := len(s.bars) - window
	out := make([]Bar, window)
	copy(out, s.bars[start:])
	return out, nil
}

// Quote reports the latest synthetic bar.
func (f *StubFeed) Quote(ticker string) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[ticker]
	if !ok || len(s.bars) == 0 {
		return Quote{}, ErrUnknownTicker
	}
	last := s.bars[len(s.bars)-1]
	return Quote{
		Ticker:      ticker,
		Price:       last.Price,
		ADVNotional: ADVNotional(s.bars),
		Ts:          last.Ts,
	}, nil
}

// IsStale always reports false; the stub fabricates a fresh bar per call.
func (f *StubFeed) IsStale(string) bool { return false }
