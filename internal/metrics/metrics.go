// Package metrics exposes prometheus instrumentation for the decision pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cycles_total", Help: "Evaluation cycles completed"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals emitted per pair and kind"},
		[]string{"pair", "kind"},
	)
	VetoesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vetoes_total", Help: "Risk vetoes by reason code"},
		[]string{"reason"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fills_total", Help: "Simulated fills per pair"},
		[]string{"pair"},
	)
	StalePairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stale_pairs_total", Help: "Pairs skipped on stale or missing data"},
		[]string{"pair"},
	)
	GrossExposure = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "gross_exposure", Help: "Sum of absolute open position sizes"},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal, SignalsTotal, VetoesTotal, FillsTotal, StalePairsTotal, GrossExposure)
}

// Serve starts the /metrics endpoint in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
