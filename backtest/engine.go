// Package backtest drives the aggregation, strategy and outcome pipeline
// over historical klines (C8): one Engine per symbol, orchestrated across
// symbols by Runner.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/synapsestrike/signalcore/aggregator"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/signal"
	"github.com/synapsestrike/signalcore/strategy"
)

// DefaultWarmupDays is how far before the requested start date the engine
// loads 1m history to warm up indicators before reporting any signal.
const DefaultWarmupDays = 2

// Config parameterizes one symbol's replay.
type Config struct {
	Symbol         string
	Timeframes     []string // includes "1m" if the 1m strategy itself should run
	StrategyName   string
	SignalConfig   signal.Config
	Filters        map[[2]string]signal.Filter
	Start          time.Time
	End            time.Time
	WarmupDays     int
	SignalTimeout  time.Duration
}

// SymbolResult is everything one symbol's replay produced.
type SymbolResult struct {
	Symbol          string
	ReportedSignals []signal.Record
	ActiveAtEnd     []signal.Record
}

// Engine replays one symbol's 1m klines through the aggregation, strategy
// and outcome pipeline (§4.5).
type Engine struct {
	cfg        Config
	deps       strategy.Deps
	agg        *aggregator.Aggregator
	buffers    map[string]*kline.Buffer
	strategies map[string]strategy.Strategy
	tracker    outcomeTracker
	reported   []signal.Record
}

// outcomeTracker is the minimal surface Engine needs from outcome.Tracker;
// declared here to avoid a strategy<->outcome import cycle at the package
// boundary while keeping Engine's dependency explicit.
type outcomeTracker interface {
	AddSignal(r signal.Record)
	CheckKline(k kline.Kline)
	UpdateATR(symbol, timeframe string, currentATR float64)
	Finalize()
	ActiveSignals() []signal.Record
}

// NewEngine builds an Engine for one symbol. targetTimeframes must be a
// subset of {"1m","3m","5m","15m","30m"}; tracker is shared with nothing
// else (one Tracker per Engine, per §4.5 step 2).
func NewEngine(cfg Config, deps strategy.Deps, tracker outcomeTracker) (*Engine, error) {
	aggTargets := make([]string, 0, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		if tf != "1m" {
			aggTargets = append(aggTargets, tf)
		}
	}

	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		agg:        aggregator.New(cfg.Symbol, aggTargets),
		buffers:    make(map[string]*kline.Buffer, len(cfg.Timeframes)),
		strategies: make(map[string]strategy.Strategy, len(cfg.Timeframes)),
		tracker:    tracker,
	}

	for _, tf := range cfg.Timeframes {
		e.buffers[tf] = kline.NewBuffer(cfg.Symbol, tf, kline.DefaultMaxSize)
		s, err := strategy.Create(cfg.StrategyName, cfg.SignalConfig, cfg.Filters, deps)
		if err != nil {
			return nil, fmt.Errorf("backtest: engine for %s/%s: %w", cfg.Symbol, tf, err)
		}
		if err := s.Init(context.Background()); err != nil {
			return nil, fmt.Errorf("backtest: init strategy for %s/%s: %w", cfg.Symbol, tf, err)
		}
		s.OnSignal(func(r signal.Record) {
			e.onSignal(r, cfg.Start)
		})
		e.strategies[tf] = s
	}

	return e, nil
}

func (e *Engine) onSignal(r signal.Record, signalStartTime time.Time) {
	e.tracker.AddSignal(r)
	if !r.SignalTime.Before(signalStartTime) {
		e.reported = append(e.reported, r)
	}
}

// ProcessKline implements the fixed pipeline order of §5: outcome-check,
// then 1m strategy (if targeted), then aggregate, then per-tf strategy for
// every timeframe that rolled over.
func (e *Engine) ProcessKline(k kline.Kline) error {
	if k.Timeframe != "1m" {
		return fmt.Errorf("backtest: engine.ProcessKline requires 1m input, got %s", k.Timeframe)
	}

	e.tracker.CheckKline(k)

	if buf, ok := e.buffers["1m"]; ok {
		e.runStrategy("1m", k, buf)
	}

	closed, err := e.agg.Add(k)
	if err != nil {
		return fmt.Errorf("backtest: aggregating %s: %w", e.cfg.Symbol, err)
	}
	for _, hk := range closed {
		buf, ok := e.buffers[hk.Timeframe]
		if !ok {
			continue
		}
		e.runStrategy(hk.Timeframe, hk, buf)
	}
	return nil
}

func (e *Engine) runStrategy(tf string, k kline.Kline, buf *kline.Buffer) {
	buf.Add(k)
	s := e.strategies[tf]
	result, err := s.ProcessKline(context.Background(), k, buf)
	if err != nil {
		return
	}
	if result.ATR != nil {
		e.tracker.UpdateATR(e.cfg.Symbol, tf, *result.ATR)
		if e.deps.AtrTracker != nil {
			e.deps.AtrTracker.Update(e.cfg.Symbol, tf, *result.ATR)
		}
	}
}

// Finalize closes out the replay: flushes trailing partial higher-timeframe
// bars without feeding them to strategies (they never closed on the wire),
// and leaves unresolved signals ACTIVE.
func (e *Engine) Finalize() SymbolResult {
	e.tracker.Finalize()
	return SymbolResult{
		Symbol:          e.cfg.Symbol,
		ReportedSignals: e.reported,
		ActiveAtEnd:     e.tracker.ActiveSignals(),
	}
}
