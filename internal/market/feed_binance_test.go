package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func tradeMessage(symbol, price, qty string, ts int64) binanceEnvelope {
	return binanceEnvelope{
		Stream: strings.ToLower(symbol) + "@trade",
		Data:   binanceTrade{Symbol: symbol, Price: price, Quantity: qty, TradeTime: ts},
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBinanceFeedAggregatesTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// drain control frames so pings are answered
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		ts := time.Now().UnixMilli()
		for i := 0; i < 5; i++ {
			if err := conn.WriteJSON(tradeMessage("BTCUSDT", "100.5", "2", ts+int64(i))); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	feed := NewBinanceFeed([]string{"BTCUSDT"}, 10*time.Millisecond, time.Minute, zerolog.Nop())
	feed.endpoint = wsURL(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bars, err := feed.PriceSeries(context.Background(), "BTCUSDT", 10)
		if err == nil && len(bars) > 0 {
			if bars[len(bars)-1].Price != 100.5 {
				t.Fatalf("expected price 100.5, got %.2f", bars[len(bars)-1].Price)
			}
			if feed.IsStale("BTCUSDT") {
				t.Fatalf("streaming symbol must not be stale")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no bars aggregated from stream: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBinanceFeedReconnectsOnSilentConnection(t *testing.T) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&conns, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(tradeMessage("BTCUSDT", "100.5", "2", time.Now().UnixMilli()))
		// go silent: no data, no pong replies. the client's read deadline
		// must turn this half-open connection into a reconnect.
		time.Sleep(10 * time.Second)
	}))
	defer srv.Close()

	feed := NewBinanceFeed([]string{"BTCUSDT"}, 10*time.Millisecond, time.Minute, zerolog.Nop())
	feed.endpoint = wsURL(srv)
	feed.readTimeout = 100 * time.Millisecond
	feed.pingInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&conns) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("feed never reconnected: %d connection(s)", atomic.LoadInt32(&conns))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
