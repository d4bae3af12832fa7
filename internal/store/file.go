package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// FileDocuments keeps documents and the retry queue as JSON files in one
// directory. Every write replaces the target file atomically, so a crash
// leaves either the old or the new content on disk.
type FileDocuments struct {
	dir    string
	logger zerolog.Logger
	mu     sync.RWMutex
}

var _ Backend = (*FileDocuments)(nil)

const pendingFile = "pending.json"

// NewFileDocuments creates dir if needed and returns a backend rooted at it.
func NewFileDocuments(dir string, logger zerolog.Logger) (*FileDocuments, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &FileDocuments{
		dir:    dir,
		logger: logger.With().Str("component", "file_store").Logger(),
	}, nil
}

func (f *FileDocuments) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

// LoadDocument returns the body saved under name, or nil if there is none.
func (f *FileDocuments) LoadDocument(_ context.Context, name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return readOptional(f.path(name))
}

// SaveDocument atomically replaces the file of name.
func (f *FileDocuments) SaveDocument(_ context.Context, name string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := atomic.WriteFile(f.path(name), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}

// ListPending returns the persisted queue in order.
func (f *FileDocuments) ListPending(_ context.Context) ([]PendingPayload, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	body, err := readOptional(filepath.Join(f.dir, pendingFile))
	if err != nil || body == nil {
		return nil, err
	}
	var items []PendingPayload
	if err := json.Unmarshal(body, &items); err != nil {
		f.logger.Error().Err(err).Msg("pending queue file is corrupt, starting empty")
		return nil, nil
	}
	return items, nil
}

// ReplacePending overwrites the persisted queue with items.
func (f *FileDocuments) ReplacePending(_ context.Context, items []PendingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UnixMilli()
	out := make([]PendingPayload, len(items))
	for i, p := range items {
		if p.CreatedAt == 0 {
			p.CreatedAt = now
		}
		out[i] = p
	}
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal pending payloads: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(f.dir, pendingFile), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("failed to save pending payloads: %w", err)
	}
	return nil
}

// Ping checks that the state directory is still there.
func (f *FileDocuments) Ping(_ context.Context) error {
	if _, err := os.Stat(f.dir); err != nil {
		return fmt.Errorf("state dir unavailable: %w", err)
	}
	return nil
}

// Close is a no-op.
func (f *FileDocuments) Close() error { return nil }

func readOptional(path string) ([]byte, error) {
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return body, nil
}
