package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncRun is one finished sync cycle.
type SyncRun struct {
	ID         int64  `json:"id"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt"`
	Result     string `json:"result"`
	Sent       int    `json:"sent"`
	Queued     int    `json:"queued"`
	Details    string `json:"details,omitempty"`
}

// RecordSyncRun appends a sync cycle to the run history.
func (s *Store) RecordSyncRun(ctx context.Context, run SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sync_runs (started_at, finished_at, result, sent, queued, details)
	VALUES (?, ?, ?, ?, ?, ?)
	`, run.StartedAt, run.FinishedAt, run.Result, run.Sent, run.Queued, run.Details)
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// LastSyncRun returns the most recent sync cycle, or nil if none ran yet.
func (s *Store) LastSyncRun(ctx context.Context) (*SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run := &SyncRun{}
	err := s.db.QueryRowContext(ctx, `
	SELECT id, started_at, finished_at, result, sent, queued, details
	FROM sync_runs
	ORDER BY id DESC
	LIMIT 1
	`).Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Result, &run.Sent, &run.Queued, &run.Details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync run: %w", err)
	}
	return run, nil
}
