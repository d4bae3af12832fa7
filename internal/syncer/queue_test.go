package syncer

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/codetime/internal/store"
)

func TestQueue_FIFOAndLimit(t *testing.T) {
	q := NewQueue(2, zerolog.Nop())
	q.Push(KindTimeSpent, []byte("1"), start)
	q.Push(KindChanges, []byte("2"), start)
	q.Push(KindTimeSpent, []byte("3"), start)

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.Dropped())

	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, "2", string(front.Body))

	q.MarkFailed("boom", start)
	front, _ = q.Front()
	assert.Equal(t, 1, front.Attempts)
	assert.Equal(t, "boom", front.LastError)

	q.PopFront()
	q.PopFront()
	q.PopFront()
	_, ok = q.Front()
	assert.False(t, ok)
}

func TestQueue_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	ps := &fakePending{}

	q := NewQueue(10, zerolog.Nop())
	require.NoError(t, q.Persist(ctx, ps))
	assert.Nil(t, ps.items, "clean queue is not written")

	q.Push(KindTimeSpent, []byte(`{"a":1}`), start)
	q.Push(KindChanges, []byte(`{"b":2}`), start)
	q.MarkFailed("timeout", start)
	require.NoError(t, q.Persist(ctx, ps))
	require.Len(t, ps.items, 2)
	assert.Equal(t, store.PendingPayload{
		ID:            ps.items[0].ID,
		Kind:          KindTimeSpent,
		Body:          `{"a":1}`,
		Error:         "timeout",
		RetryCount:    1,
		CreatedAt:     start.UnixMilli(),
		LastAttemptAt: start.UnixMilli(),
	}, ps.items[0])

	restored := NewQueue(10, zerolog.Nop())
	require.NoError(t, restored.Restore(ctx, ps))
	items := restored.Items()
	require.Len(t, items, 2)
	assert.Equal(t, KindTimeSpent, items[0].Kind)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, `{"b":2}`, string(items[1].Body))
}

func TestQueue_RestoreRespectsLimit(t *testing.T) {
	ps := &fakePending{items: []store.PendingPayload{
		{ID: "1", Kind: KindChanges, Body: "1"},
		{ID: "2", Kind: KindChanges, Body: "2"},
		{ID: "3", Kind: KindChanges, Body: "3"},
	}}
	q := NewQueue(2, zerolog.Nop())
	require.NoError(t, q.Restore(context.Background(), ps))

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "2", items[0].ID)
	assert.Equal(t, 1, q.Dropped())
}
