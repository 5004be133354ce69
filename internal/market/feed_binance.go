package market

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type binanceEnvelope struct {
	Stream string       `json:"stream"`
	Data   binanceTrade `json:"data"`
}

type binanceTrade struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// BinanceFeed aggregates the public trade stream into fixed-interval bars per
// symbol. It reconnects with capped backoff and flags symbols stale when no
// trade arrives within the staleness bound.
type BinanceFeed struct {
	symbols      []string
	barInterval  time.Duration
	stalenessMax time.Duration
	endpoint     string
	readTimeout  time.Duration
	pingInterval time.Duration
	log          zerolog.Logger

	mu        sync.RWMutex
	bars      map[string][]Bar
	lastTrade map[string]time.Time
}

const (
	defaultBinanceEndpoint = "wss://stream.binance.com:9443/stream"
	maxBinanceBars         = 1024
	defaultReadTimeout     = 30 * time.Second
	defaultPingInterval    = 15 * time.Second
)

// NewBinanceFeed builds a feed for the given symbols. Run must be started
// before PriceSeries returns useful history.
func NewBinanceFeed(symbols []string, barInterval, stalenessMax time.Duration, log zerolog.Logger) *BinanceFeed {
	if barInterval <= 0 {
		barInterval = time.Minute
	}
	if stalenessMax <= 0 {
		stalenessMax = 2 * time.Minute
	}
	return &BinanceFeed{
		symbols:      symbols,
		barInterval:  barInterval,
		stalenessMax: stalenessMax,
		endpoint:     defaultBinanceEndpoint,
		readTimeout:  defaultReadTimeout,
		pingInterval: defaultPingInterval,
		log:          log,
		bars:         make(map[string][]Bar),
		lastTrade:    make(map[string]time.Time),
	}
}

// Run consumes the combined trade stream until the context is canceled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		return fmt.Errorf("binance feed requires at least one symbol")
	}

	streams := make([]string, len(f.symbols))
	for i, sym := range f.symbols {
		streams[i] = strings.ToLower(sym) + "@trade"
	}
	url := fmt.Sprintf("%s?streams=%s", f.endpoint, strings.Join(streams, "/"))

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consume(ctx, url); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Msg("binance feed disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		backoff = time.Second
	}
}

func (f *BinanceFeed) consume(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// the read deadline turns a half-open connection into a read error, which
	// sends Run back through the reconnect loop
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var env binanceEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		price, err := strconv.ParseFloat(env.Data.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		qty, _ := strconv.ParseFloat(env.Data.Quantity, 64)
		ts := time.UnixMilli(env.Data.TradeTime)
		f.record(strings.ToUpper(env.Data.Symbol), price, qty, ts)
	}
}

func (f *BinanceFeed) record(symbol string, price, qty float64, ts time.Time) {
	bucket := ts.Truncate(f.barInterval)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTrade[symbol] = ts

	bars := f.bars[symbol]
	if n := len(bars); n > 0 && bars[n-1].Ts.Equal(bucket) {
		bars[n-1].Price = price
		bars[n-1].Volume += qty
	} else {
		bars = append(bars, Bar{Ts: bucket, Price: price, Volume: qty})
		if len(bars) > maxBinanceBars {
			bars = bars[len(bars)-maxBinanceBars:]
		}
	}
	f.bars[symbol] = bars
}

// PriceSeries returns the trailing window of aggregated bars.
func (f *BinanceFeed) PriceSeries(ctx context.Context, ticker string, window int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	bars, ok := f.bars[strings.ToUpper(ticker)]
	if !ok {
		return nil, ErrUnknownTicker
	}
	if f.stale(strings.ToUpper(ticker)) {
		return nil, fmt.Errorf("%w: %s", ErrStaleData, ticker)
	}
	start := len(bars) - window
	if start < 0 {
		start = 0
	}
	out := make([]Bar, len(bars)-start)
	copy(out, bars[start:])
	return out, nil
}

// Quote reports the latest aggregated bar.
func (f *BinanceFeed) Quote(ticker string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	key := strings.ToUpper(ticker)
	bars, ok := f.bars[key]
	if !ok || len(bars) == 0 {
		return Quote{}, ErrUnknownTicker
	}
	last := bars[len(bars)-1]
	return Quote{
		Ticker:      key,
		Price:       last.Price,
		ADVNotional: ADVNotional(bars),
		Ts:          last.Ts,
	}, nil
}

// IsStale reports whether the last trade is older than the staleness bound.
func (f *BinanceFeed) IsStale(ticker string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stale(strings.ToUpper(ticker))
}

func (f *BinanceFeed) stale(symbol string) bool {
	last, ok := f.lastTrade[symbol]
	if !ok {
		return true
	}
	return time.Since(last) > f.stalenessMax
}
