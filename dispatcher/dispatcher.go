// Package dispatcher owns the live per-symbol pipeline: one goroutine per
// active symbol draining its own kline channel, structurally enforcing the
// single-owner-per-symbol rule of §5 rather than just documenting it
// (§5.1 supplement).
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/synapsestrike/signalcore/aggregator"
	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/logging"
	"github.com/synapsestrike/signalcore/outcome"
	"github.com/synapsestrike/signalcore/signal"
	"github.com/synapsestrike/signalcore/strategy"
)

// klineQueueSize is generous: closed klines must never be dropped (§5
// back-pressure — lossless channel for klines), so the queue only exists to
// absorb bursty delivery, not to shed load.
const klineQueueSize = 4096

// SymbolConfig parameterizes one symbol's live pipeline.
type SymbolConfig struct {
	Symbol       string
	Timeframes   []string
	StrategyName string
	SignalConfig signal.Config
	Filters      map[[2]string]signal.Filter
}

// Dispatcher owns one symbolWorker per active symbol.
type Dispatcher struct {
	deps       strategy.Deps
	signals    collab.SignalRepository
	states     collab.ProcessingStateRepository
	observers  collab.SignalObserver
	log        logging.Logger

	mu      sync.Mutex
	workers map[string]*symbolWorker
}

func New(deps strategy.Deps, signals collab.SignalRepository, states collab.ProcessingStateRepository, observers collab.SignalObserver, log logging.Logger) *Dispatcher {
	return &Dispatcher{
		deps:      deps,
		signals:   signals,
		states:    states,
		observers: observers,
		log:       log,
		workers:   make(map[string]*symbolWorker),
	}
}

// AddSymbol starts a dedicated goroutine owning cfg.Symbol's state. Calling
// it twice for the same symbol is a programmer error.
func (d *Dispatcher) AddSymbol(ctx context.Context, cfg SymbolConfig) (*symbolWorker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.workers[cfg.Symbol]; exists {
		return nil, fmt.Errorf("dispatcher: symbol %s already dispatched", cfg.Symbol)
	}

	w, err := newSymbolWorker(cfg, d.deps, d.signals, d.states, d.observers, d.log)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: starting worker for %s: %w", cfg.Symbol, err)
	}
	d.workers[cfg.Symbol] = w
	go w.run(ctx)
	return w, nil
}

// PushKline delivers a closed 1m kline to its owning symbol's worker. It
// never blocks the caller beyond filling the worker's queue.
func (d *Dispatcher) PushKline(k kline.Kline) error {
	d.mu.Lock()
	w, ok := d.workers[k.Symbol]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: no worker for symbol %s", k.Symbol)
	}
	w.klines <- k
	return nil
}

// PushTrade delivers a trade to its owning symbol's worker for the
// low-latency first-touch resolution path.
func (d *Dispatcher) PushTrade(t kline.Trade) error {
	d.mu.Lock()
	w, ok := d.workers[t.Symbol]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: no worker for symbol %s", t.Symbol)
	}
	w.trades <- t
	return nil
}

// symbolWorker owns every piece of mutable state for one symbol: its
// aggregator, buffers, strategy instances and outcome tracker. All of it is
// touched only from run, on this worker's own goroutine.
type symbolWorker struct {
	cfg        SymbolConfig
	deps       strategy.Deps
	agg        *aggregator.Aggregator
	buffers    map[string]*kline.Buffer
	strategies map[string]strategy.Strategy
	tracker    *outcome.Tracker

	signals   collab.SignalRepository
	states    collab.ProcessingStateRepository
	observers collab.SignalObserver
	log       logging.Logger

	klines chan kline.Kline
	trades chan kline.Trade
}

func newSymbolWorker(cfg SymbolConfig, deps strategy.Deps, signals collab.SignalRepository, states collab.ProcessingStateRepository, observers collab.SignalObserver, log logging.Logger) (*symbolWorker, error) {
	aggTargets := make([]string, 0, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		if tf != "1m" {
			aggTargets = append(aggTargets, tf)
		}
	}

	w := &symbolWorker{
		cfg:        cfg,
		deps:       deps,
		agg:        aggregator.New(cfg.Symbol, aggTargets),
		buffers:    make(map[string]*kline.Buffer, len(cfg.Timeframes)),
		strategies: make(map[string]strategy.Strategy, len(cfg.Timeframes)),
		signals:    signals,
		states:     states,
		observers:  observers,
		log:        log,
		klines:     make(chan kline.Kline, klineQueueSize),
		trades:     make(chan kline.Trade, klineQueueSize),
	}

	ctx := context.Background()
	for _, tf := range cfg.Timeframes {
		w.buffers[tf] = kline.NewBuffer(cfg.Symbol, tf, kline.DefaultMaxSize)
		s, err := strategy.Create(cfg.StrategyName, cfg.SignalConfig, cfg.Filters, deps)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("initializing strategy for %s/%s: %w", cfg.Symbol, tf, err)
		}
		s.OnSignal(func(r signal.Record) {
			w.onSignal(ctx, r)
		})
		w.strategies[tf] = s
	}

	w.tracker = outcome.New(outcome.DefaultTimeout, func(r signal.Record, o signal.Outcome) {
		w.onOutcome(ctx, r, o)
	})

	return w, nil
}

func (w *symbolWorker) onSignal(ctx context.Context, r signal.Record) {
	w.tracker.AddSignal(r)
	if w.signals != nil {
		if err := w.signals.Save(ctx, r); err != nil {
			w.log.Errorf("dispatcher: persisting signal %s: %v", r.ID, err)
		}
	}
	if w.observers != nil {
		w.observers.OnSignal(ctx, r)
	}
}

func (w *symbolWorker) onOutcome(ctx context.Context, r signal.Record, o signal.Outcome) {
	if w.signals != nil {
		var outcomePrice *float64
		if r.OutcomePrice != nil {
			p, _ := r.OutcomePrice.Float64()
			outcomePrice = &p
		}
		if err := w.signals.UpdateOutcome(ctx, r.ID, r.MAERatio, r.MFERatio, o, r.OutcomeTime, outcomePrice); err != nil {
			w.log.Errorf("dispatcher: persisting outcome for %s: %v", r.ID, err)
		}
	}
	if s, ok := w.strategies[r.Timeframe]; ok {
		s.RecordOutcome(ctx, o, r.Symbol, r.Timeframe)
	}
	if w.observers != nil {
		w.observers.OnOutcome(ctx, r, o)
	}
}

// run drains this symbol's kline/trade channels until ctx is cancelled,
// applying the fixed pipeline order of §5: outcome-check, 1m strategy,
// aggregate, per-tf strategy.
func (w *symbolWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-w.klines:
			w.processKline(ctx, k)
		case t := <-w.trades:
			w.tracker.ProcessTrade(t)
		}
	}
}

func (w *symbolWorker) processKline(ctx context.Context, k kline.Kline) {
	if err := k.Validate(); err != nil {
		w.log.Warnf("dispatcher: dropping invalid kline for %s: %v", k.Symbol, err)
		return
	}

	w.tracker.CheckKline(k)

	if buf, ok := w.buffers["1m"]; ok {
		w.runStrategy(ctx, "1m", k, buf)
	}

	closed, err := w.agg.Add(k)
	if err != nil {
		w.log.Errorf("dispatcher: aggregating %s: %v", k.Symbol, err)
		return
	}
	for _, hk := range closed {
		buf, ok := w.buffers[hk.Timeframe]
		if !ok {
			continue
		}
		w.runStrategy(ctx, hk.Timeframe, hk, buf)
	}

	if w.states != nil {
		_ = w.states.MarkConfirmed(ctx, k.Symbol, "1m", k.Timestamp)
	}
}

func (w *symbolWorker) runStrategy(ctx context.Context, tf string, k kline.Kline, buf *kline.Buffer) {
	buf.Add(k)
	s := w.strategies[tf]
	result, err := s.ProcessKline(ctx, k, buf)
	if err != nil {
		w.log.Errorf("dispatcher: strategy error for %s/%s: %v", k.Symbol, tf, err)
		return
	}
	if result.ATR != nil {
		w.tracker.UpdateATR(k.Symbol, tf, *result.ATR)
		if w.deps.AtrTracker != nil {
			w.deps.AtrTracker.Update(k.Symbol, tf, *result.ATR)
		}
	}
}
