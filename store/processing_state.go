package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/synapsestrike/signalcore/collab"
)

// ProcessingStateStore persists per-(symbol,timeframe) crash-recovery
// checkpoints.
type ProcessingStateStore struct {
	db *sql.DB
}

func NewProcessingStateStore(db *sql.DB) (*ProcessingStateStore, error) {
	s := &ProcessingStateStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProcessingStateStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS processing_state (
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			system_start_time DATETIME NOT NULL,
			last_processed_time DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			PRIMARY KEY (symbol, timeframe)
		)
	`)
	return err
}

func (s *ProcessingStateStore) Get(ctx context.Context, symbol, timeframe string) (collab.ProcessingState, bool, error) {
	var st collab.ProcessingState
	var startStr, lastStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, system_start_time, last_processed_time, status
		FROM processing_state WHERE symbol = ? AND timeframe = ?
	`, symbol, timeframe).Scan(&st.Symbol, &st.Timeframe, &startStr, &lastStr, &st.Status)
	if err == sql.ErrNoRows {
		return collab.ProcessingState{}, false, nil
	}
	if err != nil {
		return collab.ProcessingState{}, false, fmt.Errorf("store: fetching processing state %s/%s: %w", symbol, timeframe, err)
	}
	st.SystemStartTime, _ = time.Parse(time.RFC3339Nano, startStr)
	st.LastProcessedTime, _ = time.Parse(time.RFC3339Nano, lastStr)
	return st, true, nil
}

func (s *ProcessingStateStore) Upsert(ctx context.Context, state collab.ProcessingState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_state (symbol, timeframe, system_start_time, last_processed_time, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe) DO UPDATE SET
			last_processed_time = excluded.last_processed_time,
			status = excluded.status
	`, state.Symbol, state.Timeframe, state.SystemStartTime.UTC().Format(time.RFC3339Nano), state.LastProcessedTime.UTC().Format(time.RFC3339Nano), string(state.Status))
	if err != nil {
		return fmt.Errorf("store: upserting processing state %s/%s: %w", state.Symbol, state.Timeframe, err)
	}
	return nil
}

func (s *ProcessingStateStore) MarkPending(ctx context.Context, symbol, timeframe string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE processing_state SET status = 'pending' WHERE symbol = ? AND timeframe = ?`, symbol, timeframe)
	return err
}

func (s *ProcessingStateStore) MarkConfirmed(ctx context.Context, symbol, timeframe string, lastProcessed time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_state SET status = 'confirmed', last_processed_time = ?
		WHERE symbol = ? AND timeframe = ?
	`, lastProcessed.UTC().Format(time.RFC3339Nano), symbol, timeframe)
	return err
}

func (s *ProcessingStateStore) GetAll(ctx context.Context) ([]collab.ProcessingState, error) {
	return s.query(ctx, `SELECT symbol, timeframe, system_start_time, last_processed_time, status FROM processing_state`)
}

func (s *ProcessingStateStore) GetPending(ctx context.Context) ([]collab.ProcessingState, error) {
	return s.query(ctx, `SELECT symbol, timeframe, system_start_time, last_processed_time, status FROM processing_state WHERE status = 'pending'`)
}

func (s *ProcessingStateStore) query(ctx context.Context, q string) ([]collab.ProcessingState, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: querying processing state: %w", err)
	}
	defer rows.Close()
	var out []collab.ProcessingState
	for rows.Next() {
		var st collab.ProcessingState
		var startStr, lastStr string
		if err := rows.Scan(&st.Symbol, &st.Timeframe, &startStr, &lastStr, &st.Status); err != nil {
			return nil, err
		}
		st.SystemStartTime, _ = time.Parse(time.RFC3339Nano, startStr)
		st.LastProcessedTime, _ = time.Parse(time.RFC3339Nano, lastStr)
		out = append(out, st)
	}
	return out, rows.Err()
}
