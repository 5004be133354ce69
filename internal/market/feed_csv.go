package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CSVFeed replays historical bars from per-ticker CSV files. Each file is
// named TICKER.csv with rows of timestamp,price,volume (RFC3339 or unix
// seconds). Advance moves every cursor forward one bar, so successive cycles
// walk through history in lockstep.
type CSVFeed struct {
	mu        sync.Mutex
	history   map[string][]Bar
	cursor    map[string]int
	advWindow int
}

// NewCSVFeed loads every *.csv under dir. advWindow is the trailing bar count
// used for the dollar-ADV estimate in quotes, typically the rolling window.
func NewCSVFeed(dir string, advWindow int) (*CSVFeed, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("scan csv dir: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no csv files under %s", dir)
	}
	if advWindow < 1 {
		advWindow = 1
	}

	f := &CSVFeed{history: make(map[string][]Bar), cursor: make(map[string]int), advWindow: advWindow}
	for _, path := range matches {
		ticker := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), ".csv"))
		bars, err := readBars(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		f.history[ticker] = bars
	}
	return f, nil
}

func readBars(path string) ([]Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		ts, err := parseTimestamp(row[0])
		if err != nil {
			if i == 0 {
				continue // header row
			}
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad price: %w", i+1, err)
		}
		var volume float64
		if len(row) > 2 {
			volume, _ = strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		}
		bars = append(bars, Bar{Ts: ts, Price: price, Volume: volume})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no usable rows")
	}
	return bars, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// Advance moves all cursors forward one bar. Returns false once any series is
// exhausted, signalling the end of the replay.
func (f *CSVFeed) Advance() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ticker, bars := range f.history {
		if f.cursor[ticker]+1 >= len(bars) {
			return false
		}
	}
	for ticker := range f.history {
		f.cursor[ticker]++
	}
	return true
}

// Remaining reports the smallest number of bars left across tickers.
func (f *CSVFeed) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := -1
	for ticker, bars := range f.history {
		left := len(bars) - f.cursor[ticker] - 1
		if remaining < 0 || left < remaining {
			remaining = left
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// PriceSeries returns the trailing window ending at the current cursor.
func (f *CSVFeed) PriceSeries(ctx context.Context, ticker string, window int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bars, ok := f.history[strings.ToUpper(ticker)]
	if !ok {
		return nil, ErrUnknownTicker
	}
	end := f.cursor[strings.ToUpper(ticker)] + 1
	start := end - window
	if start < 0 {
		start = 0
	}
	out := make([]Bar, end-start)
	copy(out, bars[start:end])
	return out, nil
}

// Quote reports the bar at the current cursor.
func (f *CSVFeed) Quote(ticker string) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToUpper(ticker)
	bars, ok := f.history[key]
	if !ok {
		return Quote{}, ErrUnknownTicker
	}
	end := f.cursor[key] + 1
	start := end - f.advWindow
	if start < 0 {
		start = 0
	}
	last := bars[end-1]
	return Quote{
		Ticker:      key,
		Price:       last.Price,
		ADVNotional: ADVNotional(bars[start:end]),
		Ts:          last.Ts,
	}, nil
}

// IsStale always reports false; replayed history is fresh by construction.
func (f *CSVFeed) IsStale(string) bool { return false }
