package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime/internal/store"
)

// DefaultQueueLimit bounds the retry queue.
const DefaultQueueLimit = 1000

// PendingStore persists the retry queue across restarts.
type PendingStore interface {
	ListPending(ctx context.Context) ([]store.PendingPayload, error)
	ReplacePending(ctx context.Context, items []store.PendingPayload) error
}

// Item is a payload waiting for redelivery.
type Item struct {
	ID            string
	Kind          string
	Body          []byte
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// Queue is the FIFO of payloads whose delivery failed. Only the sync
// goroutine mutates it; the lock lets status readers see a consistent
// length.
type Queue struct {
	mu      sync.Mutex
	items   []Item
	limit   int
	dropped int
	dirty   bool
	logger  zerolog.Logger
}

// NewQueue creates an empty queue holding at most limit items.
func NewQueue(limit int, logger zerolog.Logger) *Queue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue{limit: limit, logger: logger.With().Str("component", "queue").Logger()}
}

// Push appends an item, dropping the oldest when the queue is full.
func (q *Queue) Push(kind string, body []byte, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, Item{
		ID:        uuid.New().String(),
		Kind:      kind,
		Body:      body,
		CreatedAt: now,
	})
	if over := len(q.items) - q.limit; over > 0 {
		q.items = q.items[over:]
		q.dropped += over
		q.logger.Warn().Int("dropped", over).Int("limit", q.limit).Msg("retry queue full, dropped oldest payloads")
	}
	q.dirty = true
}

// Front returns the oldest item.
func (q *Queue) Front() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// PopFront removes the oldest item.
func (q *Queue) PopFront() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
	q.dirty = true
}

// MarkFailed records a failed redelivery of the oldest item.
func (q *Queue) MarkFailed(reason string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items[0].Attempts++
	q.items[0].LastError = reason
	q.items[0].LastAttemptAt = now
	q.dirty = true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were evicted by the limit.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Items returns a copy of the queue contents, oldest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Restore loads the persisted queue, replacing the in-memory contents.
func (q *Queue) Restore(ctx context.Context, ps PendingStore) error {
	pending, err := ps.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("restoring retry queue: %w", err)
	}
	items := make([]Item, 0, len(pending))
	for _, p := range pending {
		it := Item{
			ID:        p.ID,
			Kind:      p.Kind,
			Body:      []byte(p.Body),
			Attempts:  p.RetryCount,
			LastError: p.Error,
			CreatedAt: time.UnixMilli(p.CreatedAt),
		}
		if p.LastAttemptAt != 0 {
			it.LastAttemptAt = time.UnixMilli(p.LastAttemptAt)
		}
		items = append(items, it)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if over := len(items) - q.limit; over > 0 {
		items = items[over:]
		q.dropped += over
	}
	q.items = items
	q.dirty = false
	return nil
}

// Persist writes the queue through ps if it changed since the last write.
func (q *Queue) Persist(ctx context.Context, ps PendingStore) error {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	pending := make([]store.PendingPayload, 0, len(q.items))
	for _, it := range q.items {
		p := store.PendingPayload{
			ID:         it.ID,
			Kind:       it.Kind,
			Body:       string(it.Body),
			Error:      it.LastError,
			RetryCount: it.Attempts,
			CreatedAt:  it.CreatedAt.UnixMilli(),
		}
		if !it.LastAttemptAt.IsZero() {
			p.LastAttemptAt = it.LastAttemptAt.UnixMilli()
		}
		pending = append(pending, p)
	}
	q.mu.Unlock()

	if err := ps.ReplacePending(ctx, pending); err != nil {
		return fmt.Errorf("persisting retry queue: %w", err)
	}

	q.mu.Lock()
	q.dirty = false
	q.mu.Unlock()
	return nil
}
