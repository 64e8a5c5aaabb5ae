// Package metrics wires the core engine's signal and outcome events to
// Prometheus, against a dedicated registry in the same promauto style as the
// reference metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the dedicated prometheus registry for signalcore metrics.
	Registry = prometheus.NewRegistry()

	SignalsEmittedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signalcore",
			Subsystem: "signal",
			Name:      "emitted_total",
			Help:      "Total number of signals emitted",
		},
		[]string{"strategy", "symbol", "timeframe", "direction"},
	)

	SignalsResolvedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signalcore",
			Subsystem: "signal",
			Name:      "resolved_total",
			Help:      "Total number of signals resolved, by outcome",
		},
		[]string{"strategy", "symbol", "timeframe", "outcome"},
	)

	ActiveSignalsGauge = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "signalcore",
			Subsystem: "signal",
			Name:      "active",
			Help:      "Number of currently active signals",
		},
		[]string{"symbol", "timeframe"},
	)

	StreakGauge = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "signalcore",
			Subsystem: "streak",
			Name:      "current",
			Help:      "Current signed win/loss streak",
		},
		[]string{"symbol", "timeframe"},
	)

	OutcomeRRatio = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "signalcore",
			Subsystem: "signal",
			Name:      "r_ratio",
			Help:      "Risk-normalized R outcome per resolved signal",
			Buckets:   []float64{-1, -0.5, 0, 0.5, 1, 1.5, 2, 3, 5},
		},
		[]string{"strategy", "symbol", "timeframe"},
	)

	KlinesProcessedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signalcore",
			Subsystem: "pipeline",
			Name:      "klines_processed_total",
			Help:      "Total number of 1m klines fed into the pipeline",
		},
		[]string{"symbol"},
	)

	FeedReconnectsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signalcore",
			Subsystem: "ingest",
			Name:      "feed_reconnects_total",
			Help:      "Total number of WebSocket feed reconnects",
		},
		[]string{"symbol", "stream"},
	)
)

// Init registers the standard process/Go runtime collectors alongside the
// domain metrics above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
