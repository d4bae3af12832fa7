package tracker

import (
	"sync"
	"time"

	"github.com/p-blackswan/codetime/internal/activity"
	"github.com/p-blackswan/codetime/internal/hourkey"
)

// CommitTracker buffers commits until the next drain, bucketed by the UTC
// hour of the commit.
type CommitTracker struct {
	mu      sync.Mutex
	pending map[hourkey.Key]map[string][]activity.CommitRecord
	seen    map[string]struct{}
}

// NewCommitTracker creates an empty tracker.
func NewCommitTracker() *CommitTracker {
	return &CommitTracker{
		pending: make(map[hourkey.Key]map[string][]activity.CommitRecord),
		seen:    make(map[string]struct{}),
	}
}

// Record buffers c for project. Commits without a timestamp are bucketed at
// now. It returns false for an empty hash or a hash already pending.
func (t *CommitTracker) Record(project string, c activity.CommitRecord, now time.Time) bool {
	if c.Hash == "" {
		return false
	}
	at := now
	if c.TimestampMillis > 0 {
		at = time.UnixMilli(c.TimestampMillis)
	}
	key := hourkey.FromTime(at)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.seen[c.Hash]; dup {
		return false
	}
	t.seen[c.Hash] = struct{}{}
	if t.pending[key] == nil {
		t.pending[key] = make(map[string][]activity.CommitRecord)
	}
	t.pending[key][project] = append(t.pending[key][project], c)
	return true
}

// Drain returns and clears every buffered commit.
func (t *CommitTracker) Drain() map[hourkey.Key]map[string][]activity.CommitRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = make(map[hourkey.Key]map[string][]activity.CommitRecord)
	t.seen = make(map[string]struct{})
	return out
}

// Pending returns the number of buffered commits.
func (t *CommitTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
