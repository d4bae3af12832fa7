package activity

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/hourkey"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC))
	ids := 0
	base := []Option{
		WithClock(clock),
		WithLocation(time.UTC),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("rec-%d", ids)
		}),
	}
	s := NewStore(zerolog.Nop(), append(base, opts...)...)
	s.Load(nil)
	require.Equal(t, PhaseReady, s.Phase())
	return s, clock
}

func TestStore_MergeBeforeLoadFails(t *testing.T) {
	s := NewStore(zerolog.Nop())
	_, err := s.MergeCurrentHour("proj", Snapshot{CodedSeconds: 1})
	assert.ErrorIs(t, err, perrors.ErrNotReady)
	_, err = s.Export()
	assert.ErrorIs(t, err, perrors.ErrNotReady)
}

func TestStore_MergeCurrentHourScenario(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.MergeCurrentHour("proj", Snapshot{CodedSeconds: 10, Additions: 2})
	require.NoError(t, err)
	_, err = s.MergeCurrentHour("proj", Snapshot{CodedSeconds: 5, Additions: 3, Commits: []CommitRecord{{Hash: "a"}}})
	require.NoError(t, err)

	snap, ok := s.Bucket("2025-06-01-10", "proj")
	require.True(t, ok)
	assert.Equal(t, int64(15), snap.CodedSeconds)
	assert.Equal(t, int64(5), snap.Additions)
	assert.Equal(t, []CommitRecord{{Hash: "a"}}, snap.Commits)
	assert.Equal(t, "rec-1", snap.RecordID, "first writer keeps its id")
}

func TestStore_MergeSameRecordTwice(t *testing.T) {
	s, _ := newTestStore(t)
	in := Snapshot{RecordID: "fixed", CodedSeconds: 7, Commits: []CommitRecord{{Hash: "x"}}}

	_, err := s.MergeHour("2025-06-01-09", "proj", in)
	require.NoError(t, err)
	_, err = s.MergeHour("2025-06-01-09", "proj", in)
	require.NoError(t, err)

	snap, _ := s.Bucket("2025-06-01-09", "proj")
	assert.Equal(t, "fixed", snap.RecordID)
	assert.Len(t, snap.Commits, 1)
	assert.Equal(t, int64(14), snap.CodedSeconds)
}

func TestStore_MergeReportsPriorReportedState(t *testing.T) {
	s, _ := newTestStore(t)

	was, err := s.MergeHour("2025-06-01-09", "proj", Snapshot{CodedSeconds: 1})
	require.NoError(t, err)
	assert.False(t, was)

	_, err = s.MarkReported("2025-06-01-09")
	require.NoError(t, err)

	was, err = s.MergeHour("2025-06-01-09", "proj", Snapshot{CodedSeconds: 1})
	require.NoError(t, err)
	assert.True(t, was)
	snap, _ := s.Bucket("2025-06-01-09", "proj")
	assert.True(t, snap.Reported)
	assert.Equal(t, int64(2), snap.CodedSeconds)
}

func TestStore_MergeRejectsInvalidKey(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.MergeHour("yesterday", "proj", Snapshot{})
	assert.ErrorIs(t, err, perrors.ErrInvalidHourKey)
}

func TestStore_CleanupKeepsNewestSessions(t *testing.T) {
	s, _ := newTestStore(t)
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 31; day++ {
		for _, h := range []int{9, 14} {
			key := hourkey.FromTime(start.AddDate(0, 0, day).Add(time.Duration(h) * time.Hour))
			_, err := s.MergeHour(key, "proj", Snapshot{CodedSeconds: 60})
			require.NoError(t, err)
		}
	}
	require.Equal(t, 31, s.Sessions())

	removed, err := s.CleanupOldEntries()
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.Equal(t, 30, s.Sessions())
	for _, k := range s.Hours() {
		assert.NotEqual(t, "2025-05-01", k.Date())
	}

	removed, err = s.CleanupOldEntries()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStore_CleanupCustomLimit(t *testing.T) {
	s, _ := newTestStore(t, WithMaxSessions(2))
	for _, k := range []hourkey.Key{"2025-06-01-01", "2025-06-02-01", "2025-06-03-01", "2025-06-03-05"} {
		_, err := s.MergeHour(k, "p", Snapshot{CodedSeconds: 1})
		require.NoError(t, err)
	}
	removed, err := s.CleanupOldEntries()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []hourkey.Key{"2025-06-02-01", "2025-06-03-01", "2025-06-03-05"}, s.Hours())
}

func TestStore_UnreportedAndMarkAll(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.MergeHour("2025-06-01-08", "a", Snapshot{CodedSeconds: 1})
	_, _ = s.MergeHour("2025-06-01-09", "b", Snapshot{CodedSeconds: 2})
	_, err := s.MarkReported("2025-06-01-08", "a")
	require.NoError(t, err)

	pending := s.UnreportedData()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending["2025-06-01-09"]["b"].CodedSeconds)
	assert.True(t, s.HasUnreported())

	n, err := s.MarkAllDataAsReported()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.HasUnreported())
	assert.Empty(t, s.UnreportedData())
}

func TestStore_ExportLoadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.MergeHour("2025-06-01-08", "a", Snapshot{
		CodedSeconds:   30,
		BranchActivity: []BranchTime{{Branch: "main", Seconds: 30}},
	})
	doc, err := s.Export()
	require.NoError(t, err)

	restored := NewStore(zerolog.Nop(), WithLocation(time.UTC))
	res := restored.Load(doc)
	assert.False(t, res.Corrupt)
	assert.False(t, res.Migrated)

	snap, ok := restored.Bucket("2025-06-01-08", "a")
	require.True(t, ok)
	assert.Equal(t, int64(30), snap.BranchSeconds("main"))
	assert.Equal(t, "rec-1", snap.RecordID)
}

func TestStore_LoadCorruptDocumentStartsEmpty(t *testing.T) {
	s := NewStore(zerolog.Nop())
	res := s.Load([]byte("{not json"))
	assert.True(t, res.Corrupt)
	assert.Equal(t, PhaseReady, s.Phase())
	assert.Zero(t, s.Len())
}

func TestStore_LoadDropsNullEntries(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"utc", `{"timezoneTag":"UTC","hourlyActivity":{"2025-06-01-10":{"proj":null,"other":{"codedSeconds":7}},"2025-06-01-11":null}}`},
		{"legacy", `{"hourlyActivity":{"2025-06-01-10":{"proj":null,"other":{"codedSeconds":7}},"2025-06-01-11":null}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(zerolog.Nop(), WithLocation(time.UTC))
			res := s.Load([]byte(tt.doc))

			assert.False(t, res.Corrupt)
			assert.Equal(t, 2, res.NullEntries)
			assert.Equal(t, PhaseReady, s.Phase())
			assert.Equal(t, []hourkey.Key{"2025-06-01-10"}, s.Hours())
			assert.Equal(t, 1, s.Len())

			_, err := s.MergeHour("2025-06-01-11", "proj", Snapshot{CodedSeconds: 3})
			require.NoError(t, err)
			snap, ok := s.Bucket("2025-06-01-11", "proj")
			require.True(t, ok)
			assert.Equal(t, int64(3), snap.CodedSeconds)
		})
	}
}

func TestStore_LoadMigratesLegacyDocument(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	legacy := map[string]any{
		"hourlyActivity": map[string]any{
			"2025-06-01-01": map[string]any{"proj": map[string]any{"codedSeconds": 10}},
			"2025-06-01-00": map[string]any{"proj": map[string]any{"codedSeconds": 5, "recordId": "keep"}},
			"not-a-key":     map[string]any{"proj": map[string]any{"codedSeconds": 99}},
		},
	}
	doc, err := json.Marshal(legacy)
	require.NoError(t, err)

	s := NewStore(zerolog.Nop(), WithLocation(loc))
	res := s.Load(doc)

	assert.True(t, res.Migrated)
	assert.Equal(t, 1, res.DroppedKeys)
	assert.Equal(t, 1, res.RecordIDsAssigned)
	assert.Equal(t, []hourkey.Key{"2025-05-31-22", "2025-05-31-23"}, s.Hours())

	snap, ok := s.Bucket("2025-05-31-22", "proj")
	require.True(t, ok)
	assert.Equal(t, "keep", snap.RecordID)

	out, err := s.Export()
	require.NoError(t, err)
	var state State
	require.NoError(t, json.Unmarshal(out, &state))
	assert.Equal(t, TimezoneUTC, state.TimezoneTag)
	assert.Equal(t, DocumentVersion, state.Version)

	n, err := s.MigrateLegacyTimezone()
	require.NoError(t, err)
	assert.Zero(t, n, "migration runs once")
}

func TestStore_MigrationNamedZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	legacy := State{
		HourlyActivity: map[hourkey.Key]map[string]*Snapshot{
			"2025-06-01-10": {"p": {CodedSeconds: 10, RecordID: "a"}},
			"2025-06-01-11": {"p": {CodedSeconds: 20, RecordID: "b"}},
		},
	}
	doc, err := json.Marshal(legacy)
	require.NoError(t, err)

	s := NewStore(zerolog.Nop(), WithLocation(loc))
	s.Load(doc)
	assert.Equal(t, []hourkey.Key{"2025-06-01-14", "2025-06-01-15"}, s.Hours())
}

func TestMergeInto_CollidingKeysMerge(t *testing.T) {
	next := make(map[hourkey.Key]map[string]*Snapshot)
	assert.False(t, mergeInto(next, "2025-06-01-14", "p", Snapshot{RecordID: "a", CodedSeconds: 10}))
	assert.False(t, mergeInto(next, "2025-06-01-14", "p", Snapshot{RecordID: "b", CodedSeconds: 20}))

	require.Len(t, next, 1)
	assert.Equal(t, int64(30), next["2025-06-01-14"]["p"].CodedSeconds)
	assert.Equal(t, "a", next["2025-06-01-14"]["p"].RecordID)
}

func TestStore_EnsureAllRecordIDsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.state.HourlyActivity["2025-06-01-01"] = map[string]*Snapshot{"p": {CodedSeconds: 1}}

	assert.Equal(t, 1, s.EnsureAllRecordIDs())
	assert.Equal(t, 0, s.EnsureAllRecordIDs())
}

func TestStore_AllDataInLocalTimezone(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	s, _ := newTestStore(t, WithLocation(loc))
	_, _ = s.MergeHour("2025-06-01-02", "a", Snapshot{CodedSeconds: 1})
	_, _ = s.MergeHour("2025-06-01-12", "a", Snapshot{CodedSeconds: 2})
	_, _ = s.MergeHour("2025-06-01-12", "b", Snapshot{CodedSeconds: 3})

	data := s.AllDataInLocalTimezone()
	require.Len(t, data, 2)
	assert.Equal(t, hourkey.Key("2025-06-01-09"), data[0].HourKey)
	assert.Len(t, data[0].Projects, 2)
	assert.Equal(t, hourkey.Key("2025-05-31-23"), data[1].HourKey)
}

func TestStore_DaySeconds(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s, _ := newTestStore(t, WithLocation(loc))
	_, _ = s.MergeHour("2025-05-31-21", "a", Snapshot{CodedSeconds: 100}) // 23:00 local, previous day
	_, _ = s.MergeHour("2025-05-31-22", "a", Snapshot{CodedSeconds: 10})  // 00:00 local
	_, _ = s.MergeHour("2025-06-01-10", "b", Snapshot{CodedSeconds: 5})

	total, per := s.DaySeconds(time.Date(2025, 6, 1, 12, 0, 0, 0, loc))
	assert.Equal(t, int64(15), total)
	assert.Equal(t, map[string]int64{"a": 10, "b": 5}, per)
}
