package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "codetime.db")
	store, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew_CreatesDB(t *testing.T) {
	store := newTestStore(t)

	tables := []string{"documents", "pending_payloads", "sync_runs", "meta"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	require.NoError(t, store.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version))
	assert.Equal(t, "2", version)
}

func TestNew_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "codetime.db")
	ctx := context.Background()

	s1, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.SaveDocument(ctx, ActivityDocument, []byte(`{"version":2}`)))
	require.NoError(t, s1.Close())

	s2, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()
	body, err := s2.LoadDocument(ctx, ActivityDocument)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2}`, string(body))
}

func TestDocument_SaveLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	body, err := store.LoadDocument(ctx, ActivityDocument)
	require.NoError(t, err)
	assert.Nil(t, body)

	require.NoError(t, store.SaveDocument(ctx, ActivityDocument, []byte("one")))
	require.NoError(t, store.SaveDocument(ctx, ActivityDocument, []byte("two")))

	body, err = store.LoadDocument(ctx, ActivityDocument)
	require.NoError(t, err)
	assert.Equal(t, "two", string(body))
}

func TestPending_ReplaceKeepsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	items := []PendingPayload{
		{ID: "z", Kind: "time_spent", Body: `{"a":1}`},
		{ID: "a", Kind: "changes", Body: `{"b":2}`, RetryCount: 2, LastAttemptAt: 42},
	}
	require.NoError(t, store.ReplacePending(ctx, items))

	got, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "z", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, 2, got[1].RetryCount)
	assert.Equal(t, int64(42), got[1].LastAttemptAt)
	assert.NotZero(t, got[0].CreatedAt)

	require.NoError(t, store.ReplacePending(ctx, nil))
	got, err = store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSyncRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	last, err := store.LastSyncRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	now := time.Now().UnixMilli()
	require.NoError(t, store.RecordSyncRun(ctx, SyncRun{StartedAt: now - 10, FinishedAt: now, Result: "ok", Sent: 3}))
	require.NoError(t, store.RecordSyncRun(ctx, SyncRun{StartedAt: now, FinishedAt: now + 5, Result: "queued", Queued: 1}))

	last, err = store.LastSyncRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "queued", last.Result)
	assert.Equal(t, 1, last.Queued)
}

func TestRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-31 * 24 * time.Hour).UnixMilli()
	recent := time.Now().UnixMilli()
	require.NoError(t, store.RecordSyncRun(ctx, SyncRun{StartedAt: old, FinishedAt: old, Result: "ok"}))
	require.NoError(t, store.RecordSyncRun(ctx, SyncRun{StartedAt: recent, FinishedAt: recent, Result: "ok"}))

	removed, err := store.RunRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM sync_runs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDBSize(t *testing.T) {
	store := newTestStore(t)

	size, err := store.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	assert.NoError(t, store.Ping(context.Background()))
}

func TestFileDocuments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	fd, err := NewFileDocuments(dir, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	body, err := fd.LoadDocument(ctx, ActivityDocument)
	require.NoError(t, err)
	assert.Nil(t, body)

	require.NoError(t, fd.SaveDocument(ctx, ActivityDocument, []byte(`{"x":1}`)))
	body, err = fd.LoadDocument(ctx, ActivityDocument)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(body))

	pending, err := fd.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, fd.ReplacePending(ctx, []PendingPayload{{ID: "1", Kind: "changes", Body: "{}"}}))
	pending, err = fd.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "1", pending[0].ID)
	assert.NoError(t, fd.Ping(ctx))
}

func TestFileDocuments_CorruptQueueStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	fd, err := NewFileDocuments(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, pendingFile), []byte("[{"), 0o600))

	pending, err := fd.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}
