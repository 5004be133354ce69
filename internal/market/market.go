// Package market hosts price-history providers consumed by the spread layer.
package market

import (
	"context"
	"errors"
	"time"
)

// ErrStaleData marks feed data older than the staleness bound. Pairs hit by
// it are treated as HOLD for the cycle.
var ErrStaleData = errors.New("stale market data")

// ErrUnknownTicker is returned when a provider has no series for a symbol.
var ErrUnknownTicker = errors.New("unknown ticker")

// Bar is one observation of a ticker: close price plus traded volume.
type Bar struct {
	Ts     time.Time `json:"ts"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
}

// Quote carries the data the execution simulator needs for one leg.
type Quote struct {
	Ticker      string
	Price       float64
	ADVNotional float64 // average daily volume in dollar terms
	Ts          time.Time
}

// Feed supplies ordered price history and staleness checks per ticker.
// Implementations must return bars oldest-first.
type Feed interface {
	PriceSeries(ctx context.Context, ticker string, window int) ([]Bar, error)
	Quote(ticker string) (Quote, error)
	IsStale(ticker string) bool
}

// Prices extracts the close series from a bar slice.
func Prices(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Price
	}
	return out
}

// ADVNotional estimates dollar average daily volume from a bar window.
func ADVNotional(bars []Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var total float64
	for _, b := range bars {
		total += b.Price * b.Volume
	}
	return total / float64(len(bars))
}
