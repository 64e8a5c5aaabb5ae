package metrics

import (
	"context"

	"github.com/synapsestrike/signalcore/signal"
)

// ObserverSink implements collab.SignalObserver by recording every signal
// and outcome event into the prometheus counters/histograms above. It is
// registered with observer.Hub alongside any UI-facing observers.
type ObserverSink struct{}

func NewObserverSink() ObserverSink { return ObserverSink{} }

func (ObserverSink) OnSignal(ctx context.Context, r signal.Record) {
	SignalsEmittedTotal.WithLabelValues(r.Strategy, r.Symbol, r.Timeframe, r.Direction.String()).Inc()
	StreakGauge.WithLabelValues(r.Symbol, r.Timeframe).Set(float64(r.StreakAtSignal))
}

func (ObserverSink) OnOutcome(ctx context.Context, r signal.Record, outcome signal.Outcome) {
	SignalsResolvedTotal.WithLabelValues(r.Strategy, r.Symbol, r.Timeframe, string(outcome)).Inc()

	switch outcome {
	case signal.TP:
		ratio, _ := r.RewardAmount().Div(r.RiskAmount()).Float64()
		OutcomeRRatio.WithLabelValues(r.Strategy, r.Symbol, r.Timeframe).Observe(ratio)
	case signal.SL:
		OutcomeRRatio.WithLabelValues(r.Strategy, r.Symbol, r.Timeframe).Observe(-1)
	}
}
