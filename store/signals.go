// Package store implements the sqlite-backed collab adapters (C9): signal
// records, crash-recovery processing state, and backtest run metadata. It
// uses database/sql with modernc.org/sqlite directly, idempotent
// CREATE TABLE IF NOT EXISTS migrations and guarded ALTER TABLE ADD COLUMN
// statements, in the style of the reference store package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shopspring/decimal"
	"github.com/synapsestrike/signalcore/signal"
)

// SignalStore persists signal.Record rows and answers the active-signal and
// by-id queries the strategy runtime needs to rebuild state after a crash.
type SignalStore struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and runs every
// adapter's migrations against it.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY
	return db, nil
}

// NewSignalStore wraps db and ensures the signals table exists.
func NewSignalStore(db *sql.DB) (*SignalStore, error) {
	s := &SignalStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SignalStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			signal_time DATETIME NOT NULL,
			direction INTEGER NOT NULL,
			entry_price TEXT NOT NULL,
			tp_price TEXT NOT NULL,
			sl_price TEXT NOT NULL,
			atr_at_signal REAL NOT NULL DEFAULT 0,
			max_atr REAL NOT NULL DEFAULT 0,
			streak_at_signal INTEGER NOT NULL DEFAULT 0,
			mae_ratio REAL NOT NULL DEFAULT 0,
			mfe_ratio REAL NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT 'active',
			outcome_time DATETIME,
			outcome_price TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`ALTER TABLE signals ADD COLUMN run_id TEXT NOT NULL DEFAULT ''`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_signals_symbol_tf ON signals(symbol, timeframe)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_signals_outcome ON signals(outcome)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_signals_run_id ON signals(run_id)`)
	return nil
}

// Save upserts a signal record by id.
func (s *SignalStore) Save(ctx context.Context, r signal.Record) error {
	var outcomeTime, outcomePrice interface{}
	if r.OutcomeTime != nil {
		outcomeTime = r.OutcomeTime.UTC().Format(time.RFC3339Nano)
	}
	if r.OutcomePrice != nil {
		outcomePrice = r.OutcomePrice.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (
			id, run_id, strategy, symbol, timeframe, signal_time, direction,
			entry_price, tp_price, sl_price, atr_at_signal, max_atr,
			streak_at_signal, mae_ratio, mfe_ratio, outcome, outcome_time, outcome_price
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mae_ratio = excluded.mae_ratio,
			mfe_ratio = excluded.mfe_ratio,
			max_atr = excluded.max_atr,
			outcome = excluded.outcome,
			outcome_time = excluded.outcome_time,
			outcome_price = excluded.outcome_price
	`,
		r.ID, r.RunID, r.Strategy, r.Symbol, r.Timeframe, r.SignalTime.UTC().Format(time.RFC3339Nano), int(r.Direction),
		r.EntryPrice.String(), r.TPPrice.String(), r.SLPrice.String(), r.ATRAtSignal, r.MaxATR,
		r.StreakAtSignal, r.MAERatio, r.MFERatio, string(r.Outcome), outcomeTime, outcomePrice,
	)
	if err != nil {
		return fmt.Errorf("store: saving signal %s: %w", r.ID, err)
	}
	return nil
}

// UpdateOutcome applies a resolution to an already-saved signal.
func (s *SignalStore) UpdateOutcome(ctx context.Context, id string, mae, mfe float64, outcome signal.Outcome, outcomeTime *time.Time, outcomePrice *float64) error {
	var ot, op interface{}
	if outcomeTime != nil {
		ot = outcomeTime.UTC().Format(time.RFC3339Nano)
	}
	if outcomePrice != nil {
		op = decimal.NewFromFloat(*outcomePrice).String()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET mae_ratio = ?, mfe_ratio = ?, outcome = ?, outcome_time = ?, outcome_price = ?
		WHERE id = ?
	`, mae, mfe, string(outcome), ot, op, id)
	if err != nil {
		return fmt.Errorf("store: updating outcome for %s: %w", id, err)
	}
	return nil
}

// GetActive returns every signal still ACTIVE for (symbol, timeframe), used
// on restart to rebuild the strategy runtime's position locks.
func (s *SignalStore) GetActive(ctx context.Context, symbol, timeframe string) ([]signal.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, strategy, symbol, timeframe, signal_time, direction,
			entry_price, tp_price, sl_price, atr_at_signal, max_atr,
			streak_at_signal, mae_ratio, mfe_ratio, outcome, outcome_time, outcome_price
		FROM signals WHERE symbol = ? AND timeframe = ? AND outcome = 'active'
	`, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("store: querying active signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// GetByID looks up one signal, returning ok=false if no row matches.
func (s *SignalStore) GetByID(ctx context.Context, id string) (signal.Record, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, strategy, symbol, timeframe, signal_time, direction,
			entry_price, tp_price, sl_price, atr_at_signal, max_atr,
			streak_at_signal, mae_ratio, mfe_ratio, outcome, outcome_time, outcome_price
		FROM signals WHERE id = ?
	`, id)
	if err != nil {
		return signal.Record{}, false, fmt.Errorf("store: querying signal %s: %w", id, err)
	}
	defer rows.Close()
	records, err := scanSignals(rows)
	if err != nil {
		return signal.Record{}, false, err
	}
	if len(records) == 0 {
		return signal.Record{}, false, nil
	}
	return records[0], true, nil
}

func scanSignals(rows *sql.Rows) ([]signal.Record, error) {
	var out []signal.Record
	for rows.Next() {
		var r signal.Record
		var direction int
		var entryStr, tpStr, slStr string
		var signalTimeStr string
		var outcomeTimeStr, outcomePriceStr sql.NullString
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Strategy, &r.Symbol, &r.Timeframe, &signalTimeStr, &direction,
			&entryStr, &tpStr, &slStr, &r.ATRAtSignal, &r.MaxATR,
			&r.StreakAtSignal, &r.MAERatio, &r.MFERatio, &r.Outcome, &outcomeTimeStr, &outcomePriceStr,
		); err != nil {
			return nil, fmt.Errorf("store: scanning signal row: %w", err)
		}
		r.Direction = signal.Direction(direction)
		r.EntryPrice, _ = decimal.NewFromString(entryStr)
		r.TPPrice, _ = decimal.NewFromString(tpStr)
		r.SLPrice, _ = decimal.NewFromString(slStr)
		r.SignalTime, _ = time.Parse(time.RFC3339Nano, signalTimeStr)
		if outcomeTimeStr.Valid {
			t, err := time.Parse(time.RFC3339Nano, outcomeTimeStr.String)
			if err == nil {
				r.OutcomeTime = &t
			}
		}
		if outcomePriceStr.Valid {
			p, err := decimal.NewFromString(outcomePriceStr.String)
			if err == nil {
				r.OutcomePrice = &p
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
