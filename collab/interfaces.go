// Package collab declares the interfaces the core engine consumes from its
// external collaborators (C9): kline/trade feeds, persistence, caching and
// outbound notification. The engine package never imports a concrete
// adapter; concrete implementations live in store, cache, ingest and
// observer and are wired by the embedding application.
package collab

import (
	"context"
	"time"

	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/signal"
)

// KlineSource serves historical klines for backtest replay.
type KlineSource interface {
	GetRange(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]kline.Kline, error)
}

// KlineObserver receives closed klines pushed by a live ingestion adapter.
type KlineObserver func(k kline.Kline)

// TradeObserver receives aggregated trades pushed by a live ingestion adapter.
type TradeObserver func(t kline.Trade)

// KlineFeed is a live kline ingestion adapter; it guarantees ascending
// timestamps per (symbol, timeframe) to every registered observer.
type KlineFeed interface {
	Subscribe(symbol, timeframe string, obs KlineObserver) error
	Start(ctx context.Context) error
	Stop() error
}

// TradeFeed is a live aggregated-trade ingestion adapter; it guarantees
// monotonic AggTradeID per symbol.
type TradeFeed interface {
	Subscribe(symbol string, obs TradeObserver) error
	Start(ctx context.Context) error
	Stop() error
}

// SignalRepository persists SignalRecords and answers queries needed to
// rebuild position locks after a restart.
type SignalRepository interface {
	Save(ctx context.Context, r signal.Record) error
	UpdateOutcome(ctx context.Context, id string, mae, mfe float64, outcome signal.Outcome, outcomeTime *time.Time, outcomePrice *float64) error
	GetActive(ctx context.Context, symbol, timeframe string) ([]signal.Record, error)
	GetByID(ctx context.Context, id string) (signal.Record, bool, error)
}

// ProcessingStateStatus is the crash-recovery state for one (symbol, timeframe).
type ProcessingStateStatus string

const (
	StatePending   ProcessingStateStatus = "pending"
	StateConfirmed ProcessingStateStatus = "confirmed"
)

// ProcessingState tracks how far live replay has confirmed processing a pair.
type ProcessingState struct {
	Symbol            string
	Timeframe         string
	SystemStartTime   time.Time
	LastProcessedTime time.Time
	Status            ProcessingStateStatus
}

// ProcessingStateRepository lets live workflows resume after a crash without
// replaying already-confirmed bars.
type ProcessingStateRepository interface {
	Get(ctx context.Context, symbol, timeframe string) (ProcessingState, bool, error)
	Upsert(ctx context.Context, state ProcessingState) error
	MarkPending(ctx context.Context, symbol, timeframe string) error
	MarkConfirmed(ctx context.Context, symbol, timeframe string, lastProcessed time.Time) error
	GetAll(ctx context.Context) ([]ProcessingState, error)
	GetPending(ctx context.Context) ([]ProcessingState, error)
}

// StreakCache persists per-(symbol,timeframe) streak state between restarts.
type StreakCache interface {
	Save(ctx context.Context, symbol, timeframe string, s signal.Streak) error
	LoadAll(ctx context.Context) (map[[2]string]signal.Streak, error)
}

// SignalObserver is the glue to UI fan-out: async notification of new
// signals and resolved outcomes.
type SignalObserver interface {
	OnSignal(ctx context.Context, r signal.Record)
	OnOutcome(ctx context.Context, r signal.Record, outcome signal.Outcome)
}

// BacktestRunStatus is the lifecycle state of a backtest run row.
type BacktestRunStatus string

const (
	RunRunning   BacktestRunStatus = "running"
	RunCompleted BacktestRunStatus = "completed"
	RunFailed    BacktestRunStatus = "failed"
)

// RunStats summarizes a completed backtest run (§3.1 statistics summary).
type RunStats struct {
	TotalSignals int
	Wins         int
	Losses       int
	Active       int
	WinRate      float64
	ExpectancyR  float64
	TotalR       float64
	ProfitFactor float64
}

// BacktestRun is one row of the backtest-run table (§6).
type BacktestRun struct {
	ID              string
	CreatedAt       time.Time
	StartDate       time.Time
	EndDate         time.Time
	Symbols         []string
	Timeframes      []string
	StrategyConfigJSON string
	Stats           RunStats
	Status          BacktestRunStatus
}

// BacktestRunRepository persists backtest run metadata and the signals
// produced during a run.
type BacktestRunRepository interface {
	CreateRun(ctx context.Context, run BacktestRun) error
	CompleteRun(ctx context.Context, runID string, stats RunStats) error
	FailRun(ctx context.Context, runID string) error
	SaveSignals(ctx context.Context, runID string, signals []signal.Record) (int, error)
	GetRun(ctx context.Context, runID string) (BacktestRun, bool, error)
	ListRuns(ctx context.Context) ([]BacktestRun, error)
}
