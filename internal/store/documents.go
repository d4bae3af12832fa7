package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadDocument returns the body saved under name, or nil if there is none.
func (s *Store) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", name, err)
	}
	return body, nil
}

// SaveDocument replaces the body saved under name.
func (s *Store) SaveDocument(ctx context.Context, name string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (name, body, updated_at) VALUES (?, ?, ?)`,
		name, body, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}
