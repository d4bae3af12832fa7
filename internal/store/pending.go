package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PendingPayload is a remote payload that could not be delivered and waits
// for the next sync cycle.
type PendingPayload struct {
	ID            string
	Kind          string
	Body          string
	Error         string
	RetryCount    int
	CreatedAt     int64
	LastAttemptAt int64 // 0 = never retried
}

// ReplacePending overwrites the persisted queue with items, keeping their
// order.
func (s *Store) ReplacePending(ctx context.Context, items []PendingPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_payloads`); err != nil {
		return fmt.Errorf("failed to clear pending payloads: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO pending_payloads (
		id, seq, kind, body, error, retry_count, created_at, last_attempt_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for i, p := range items {
		if p.CreatedAt == 0 {
			p.CreatedAt = now
		}
		lastAttempt := sql.NullInt64{Int64: p.LastAttemptAt, Valid: p.LastAttemptAt != 0}
		if _, err := stmt.ExecContext(ctx,
			p.ID, i, p.Kind, p.Body, p.Error, p.RetryCount, p.CreatedAt, lastAttempt,
		); err != nil {
			return fmt.Errorf("failed to save pending payload %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending payloads: %w", err)
	}
	return nil
}

// ListPending returns the persisted queue in order.
func (s *Store) ListPending(ctx context.Context) ([]PendingPayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, kind, body, error, retry_count, created_at, last_attempt_at
	FROM pending_payloads
	ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payloads: %w", err)
	}
	defer rows.Close()

	var items []PendingPayload
	for rows.Next() {
		var p PendingPayload
		var lastAttempt sql.NullInt64
		if err := rows.Scan(
			&p.ID, &p.Kind, &p.Body, &p.Error, &p.RetryCount, &p.CreatedAt, &lastAttempt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending payload: %w", err)
		}
		if lastAttempt.Valid {
			p.LastAttemptAt = lastAttempt.Int64
		}
		items = append(items, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending payloads: %w", err)
	}

	return items, nil
}
