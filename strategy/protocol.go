// Package strategy implements the pluggable strategy runtime (C6): a
// process-wide registry of constructors, the Strategy protocol every
// concrete strategy implements, and the two reference strategies
// (msr_retest_capture, ema_crossover).
package strategy

import (
	"context"

	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/signal"
	"github.com/synapsestrike/signalcore/volatility"
)

// ProcessResult is what a strategy returns for one closed bar.
type ProcessResult struct {
	Signal   *signal.Record
	ATR      *float64
	Metadata map[string]interface{}
}

// Strategy is the protocol every concrete strategy implements (§4.3, §9).
type Strategy interface {
	Name() string
	Version() string
	RequiredIndicators() []string

	Init(ctx context.Context) error
	ProcessKline(ctx context.Context, k kline.Kline, buf *kline.Buffer) (ProcessResult, error)
	RecordOutcome(ctx context.Context, outcome signal.Outcome, symbol, timeframe string)
	ReleasePosition(symbol, timeframe string)

	OnSignal(obs SignalCallback) int
	OffSignal(handle int)
}

// SignalCallback is invoked synchronously in registration order whenever a
// strategy emits a signal.
type SignalCallback func(r signal.Record)

// Deps bundles the collaborators a concrete strategy needs at construction
// time: the streak cache and signal repository it rebuilds state from on
// Init, and the ATR percentile tracker it consults as a volatility filter.
type Deps struct {
	StreakCache      collab.StreakCache
	SignalRepository collab.SignalRepository
	AtrTracker       *volatility.AtrPercentileTracker
}
