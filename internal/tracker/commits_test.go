package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/codetime/internal/activity"
)

func TestCommitTracker_RecordAndDrain(t *testing.T) {
	ct := NewCommitTracker()
	earlier := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

	assert.True(t, ct.Record("p", activity.CommitRecord{Hash: "a", TimestampMillis: earlier.UnixMilli()}, t0))
	assert.True(t, ct.Record("p", activity.CommitRecord{Hash: "b"}, t0))
	assert.False(t, ct.Record("p", activity.CommitRecord{Hash: "a"}, t0), "duplicate hash")
	assert.False(t, ct.Record("p", activity.CommitRecord{}, t0), "empty hash")
	assert.Equal(t, 2, ct.Pending())

	got := ct.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got["2025-06-01-08"]["p"][0].Hash)
	assert.Equal(t, "b", got["2025-06-01-10"]["p"][0].Hash)

	assert.Zero(t, ct.Pending())
	assert.Empty(t, ct.Drain())
}
