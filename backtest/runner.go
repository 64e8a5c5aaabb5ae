package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/logging"
	"github.com/synapsestrike/signalcore/outcome"
	"github.com/synapsestrike/signalcore/signal"
	"github.com/synapsestrike/signalcore/strategy"
)

// RunnerConfig parameterizes one backtest run across all its symbols.
type RunnerConfig struct {
	Symbols      []string
	Timeframes   []string
	StrategyName string
	SignalConfig signal.Config
	Filters      map[[2]string]signal.Filter
	Start        time.Time
	End          time.Time
	WarmupDays   int
}

// Runner orchestrates Engine across every symbol of a run (§4.5.1).
type Runner struct {
	source collab.KlineSource
	runs   collab.BacktestRunRepository
	deps   strategy.Deps
	log    logging.Logger
}

// NewRunner wires a Runner to its collaborators.
func NewRunner(source collab.KlineSource, runs collab.BacktestRunRepository, deps strategy.Deps, log logging.Logger) *Runner {
	return &Runner{source: source, runs: runs, deps: deps, log: log}
}

// generateRunID hashes the run's identifying parameters plus wall clock, so
// re-running the same config twice still produces distinct run ids.
func generateRunID(cfg RunnerConfig, now time.Time) string {
	cfgJSON, _ := json.Marshal(cfg.SignalConfig)
	preimage := fmt.Sprintf("%d:%d:%v:%v:%s:%d", cfg.Start.Unix(), cfg.End.Unix(), cfg.Symbols, cfg.Timeframes, cfgJSON, now.UnixNano())
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])[:16]
}

// Run executes the replay across every configured symbol, sequentially
// (§5: no shared state across symbols). A per-symbol failure is logged and
// skipped; only a failure in the kline source itself aborts and fails the
// whole run.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (collab.BacktestRun, error) {
	if cfg.WarmupDays <= 0 {
		cfg.WarmupDays = DefaultWarmupDays
	}
	if err := strategy.ValidateFilters(cfg.Filters, cfg.Symbols, cfg.Timeframes); err != nil {
		return collab.BacktestRun{}, fmt.Errorf("backtest: refusing to start run: %w", err)
	}

	runID := generateRunID(cfg, time.Now())
	strategyCfgJSON, _ := json.Marshal(cfg.SignalConfig)

	run := collab.BacktestRun{
		ID:                 runID,
		CreatedAt:          time.Now(),
		StartDate:          cfg.Start,
		EndDate:            cfg.End,
		Symbols:            cfg.Symbols,
		Timeframes:         cfg.Timeframes,
		StrategyConfigJSON: string(strategyCfgJSON),
		Status:             collab.RunRunning,
	}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		return run, fmt.Errorf("backtest: creating run row: %w", err)
	}

	var allSignals []signal.Record
	for _, sym := range cfg.Symbols {
		result, err := r.runSymbol(ctx, sym, cfg)
		if err != nil {
			if isSourceFailure(err) {
				_ = r.runs.FailRun(ctx, runID)
				return run, fmt.Errorf("backtest: run %s aborted, kline source failed for %s: %w", runID, sym, err)
			}
			r.log.Errorf("backtest: symbol %s failed, skipping: %v", sym, err)
			continue
		}
		allSignals = append(allSignals, result.ReportedSignals...)
	}

	if _, err := r.runs.SaveSignals(ctx, runID, allSignals); err != nil {
		_ = r.runs.FailRun(ctx, runID)
		return run, fmt.Errorf("backtest: saving signals for run %s: %w", runID, err)
	}

	stats := CalculateStats(allSignals)
	if err := r.runs.CompleteRun(ctx, runID, stats); err != nil {
		return run, fmt.Errorf("backtest: completing run %s: %w", runID, err)
	}

	run.Stats = stats
	run.Status = collab.RunCompleted
	return run, nil
}

type sourceFailureError struct{ err error }

func (e sourceFailureError) Error() string { return e.err.Error() }
func (e sourceFailureError) Unwrap() error { return e.err }

func isSourceFailure(err error) bool {
	_, ok := err.(sourceFailureError)
	return ok
}

func (r *Runner) runSymbol(ctx context.Context, symbol string, cfg RunnerConfig) (SymbolResult, error) {
	warmupStart := cfg.Start.AddDate(0, 0, -cfg.WarmupDays)
	klines, err := r.source.GetRange(ctx, symbol, "1m", warmupStart, cfg.End)
	if err != nil {
		return SymbolResult{}, sourceFailureError{err}
	}

	tracker := outcome.New(0, nil)
	engCfg := Config{
		Symbol:       symbol,
		Timeframes:   cfg.Timeframes,
		StrategyName: cfg.StrategyName,
		SignalConfig: cfg.SignalConfig,
		Filters:      cfg.Filters,
		Start:        cfg.Start,
		End:          cfg.End,
		WarmupDays:   cfg.WarmupDays,
	}
	eng, err := NewEngine(engCfg, r.deps, tracker)
	if err != nil {
		return SymbolResult{}, fmt.Errorf("backtest: building engine for %s: %w", symbol, err)
	}

	for _, k := range klines {
		if err := eng.ProcessKline(k); err != nil {
			return SymbolResult{}, fmt.Errorf("backtest: processing %s kline at %s: %w", symbol, k.Timestamp, err)
		}
	}

	return eng.Finalize(), nil
}
