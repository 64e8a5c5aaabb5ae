package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/signal"
)

// BacktestRunStore persists run metadata and the signals a run produced.
type BacktestRunStore struct {
	db      *sql.DB
	signals *SignalStore
}

func NewBacktestRunStore(db *sql.DB, signals *SignalStore) (*BacktestRunStore, error) {
	s := &BacktestRunStore{db: db, signals: signals}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BacktestRunStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			start_date DATETIME NOT NULL,
			end_date DATETIME NOT NULL,
			symbols TEXT NOT NULL,
			timeframes TEXT NOT NULL,
			strategy_config TEXT NOT NULL DEFAULT '{}',
			total_signals INTEGER NOT NULL DEFAULT 0,
			wins INTEGER NOT NULL DEFAULT 0,
			losses INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			expectancy_r REAL NOT NULL DEFAULT 0,
			total_r REAL NOT NULL DEFAULT 0,
			profit_factor REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running'
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_backtest_runs_status ON backtest_runs(status)`)
	return nil
}

func (s *BacktestRunStore) CreateRun(ctx context.Context, run collab.BacktestRun) error {
	symbolsJSON, _ := json.Marshal(run.Symbols)
	timeframesJSON, _ := json.Marshal(run.Timeframes)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs (id, start_date, end_date, symbols, timeframes, strategy_config, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartDate.UTC().Format(time.RFC3339Nano), run.EndDate.UTC().Format(time.RFC3339Nano),
		string(symbolsJSON), string(timeframesJSON), run.StrategyConfigJSON, string(collab.RunRunning))
	if err != nil {
		return fmt.Errorf("store: creating backtest run %s: %w", run.ID, err)
	}
	return nil
}

func (s *BacktestRunStore) CompleteRun(ctx context.Context, runID string, stats collab.RunStats) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs SET
			total_signals = ?, wins = ?, losses = ?, active = ?,
			win_rate = ?, expectancy_r = ?, total_r = ?, profit_factor = ?, status = ?
		WHERE id = ?
	`, stats.TotalSignals, stats.Wins, stats.Losses, stats.Active,
		stats.WinRate, stats.ExpectancyR, stats.TotalR, stats.ProfitFactor, string(collab.RunCompleted), runID)
	if err != nil {
		return fmt.Errorf("store: completing backtest run %s: %w", runID, err)
	}
	return nil
}

func (s *BacktestRunStore) FailRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE backtest_runs SET status = ? WHERE id = ?`, string(collab.RunFailed), runID)
	return err
}

func (s *BacktestRunStore) SaveSignals(ctx context.Context, runID string, signals []signal.Record) (int, error) {
	saved := 0
	for _, r := range signals {
		r.RunID = runID
		if err := s.signals.Save(ctx, r); err != nil {
			return saved, fmt.Errorf("store: saving signal batch for run %s: %w", runID, err)
		}
		saved++
	}
	return saved, nil
}

func (s *BacktestRunStore) GetRun(ctx context.Context, runID string) (collab.BacktestRun, bool, error) {
	var run collab.BacktestRun
	var startStr, endStr, symbolsJSON, timeframesJSON, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, start_date, end_date, symbols, timeframes, strategy_config,
			total_signals, wins, losses, active, win_rate, expectancy_r, total_r, profit_factor, status
		FROM backtest_runs WHERE id = ?
	`, runID).Scan(&run.ID, &startStr, &endStr, &symbolsJSON, &timeframesJSON, &run.StrategyConfigJSON,
		&run.Stats.TotalSignals, &run.Stats.Wins, &run.Stats.Losses, &run.Stats.Active,
		&run.Stats.WinRate, &run.Stats.ExpectancyR, &run.Stats.TotalR, &run.Stats.ProfitFactor, &status)
	if err == sql.ErrNoRows {
		return collab.BacktestRun{}, false, nil
	}
	if err != nil {
		return collab.BacktestRun{}, false, fmt.Errorf("store: fetching backtest run %s: %w", runID, err)
	}
	run.StartDate, _ = time.Parse(time.RFC3339Nano, startStr)
	run.EndDate, _ = time.Parse(time.RFC3339Nano, endStr)
	_ = json.Unmarshal([]byte(symbolsJSON), &run.Symbols)
	_ = json.Unmarshal([]byte(timeframesJSON), &run.Timeframes)
	run.Status = collab.BacktestRunStatus(status)
	return run, true, nil
}

func (s *BacktestRunStore) ListRuns(ctx context.Context) ([]collab.BacktestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_date, end_date, symbols, timeframes, strategy_config,
			total_signals, wins, losses, active, win_rate, expectancy_r, total_r, profit_factor, status
		FROM backtest_runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: listing backtest runs: %w", err)
	}
	defer rows.Close()
	var out []collab.BacktestRun
	for rows.Next() {
		var run collab.BacktestRun
		var startStr, endStr, symbolsJSON, timeframesJSON, status string
		if err := rows.Scan(&run.ID, &startStr, &endStr, &symbolsJSON, &timeframesJSON, &run.StrategyConfigJSON,
			&run.Stats.TotalSignals, &run.Stats.Wins, &run.Stats.Losses, &run.Stats.Active,
			&run.Stats.WinRate, &run.Stats.ExpectancyR, &run.Stats.TotalR, &run.Stats.ProfitFactor, &status); err != nil {
			return nil, err
		}
		run.StartDate, _ = time.Parse(time.RFC3339Nano, startStr)
		run.EndDate, _ = time.Parse(time.RFC3339Nano, endStr)
		_ = json.Unmarshal([]byte(symbolsJSON), &run.Symbols)
		_ = json.Unmarshal([]byte(timeframesJSON), &run.Timeframes)
		run.Status = collab.BacktestRunStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}
