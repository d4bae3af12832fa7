package activity

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/hourkey"
)

const (
	// TimezoneUTC tags a document whose hour keys are all UTC.
	TimezoneUTC = "UTC"
	// DocumentVersion is the schema version written by Export.
	DocumentVersion = 2
	// DefaultMaxSessions is the number of distinct dates kept by retention.
	DefaultMaxSessions = 30
)

// Phase is the lifecycle state of a Store.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseNeedsMigration
	PhaseMigrating
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseNeedsMigration:
		return "needs_migration"
	case PhaseMigrating:
		return "migrating"
	case PhaseReady:
		return "ready"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is the persisted document.
type State struct {
	Version        int                                  `json:"version"`
	TimezoneTag    string                               `json:"timezoneTag"`
	HourlyActivity map[hourkey.Key]map[string]*Snapshot `json:"hourlyActivity"`
}

// LoadResult summarizes what Load had to do to bring a document to Ready.
type LoadResult struct {
	Corrupt           bool
	Migrated          bool
	DroppedKeys       int
	NullEntries       int
	RecordIDsAssigned int
	BucketsRemoved    int
}

// Store is the LocalActivityStore. Mutations must come from a single writer
// (the sync scheduler); the internal lock only keeps concurrent readers from
// observing a half-applied merge.
type Store struct {
	mu          sync.RWMutex
	state       State
	phase       Phase
	clock       quartz.Clock
	loc         *time.Location
	maxSessions int
	newID       func() string
	logger      zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to compute the current hour.
func WithClock(c quartz.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLocation sets the host time zone used for legacy migration and local views.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithMaxSessions overrides DefaultMaxSessions.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithIDGenerator overrides the record id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore creates an uninitialized store. Call Load before use.
func NewStore(logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		clock:       quartz.NewReal(),
		loc:         time.Local,
		maxSessions: DefaultMaxSessions,
		newID:       func() string { return uuid.New().String() },
		logger:      logger.With().Str("component", "activity_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current lifecycle phase.
func (s *Store) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Location returns the host time zone of the store.
func (s *Store) Location() *time.Location { return s.loc }

// Load replaces the store contents with doc, migrating legacy documents and
// applying retention. An empty doc starts a fresh store. A corrupt doc is
// logged and replaced by an empty store rather than failing startup.
func (s *Store) Load(doc []byte) LoadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res LoadResult
	state := State{TimezoneTag: TimezoneUTC}
	if len(doc) > 0 {
		var decoded State
		if err := json.Unmarshal(doc, &decoded); err != nil {
			s.logger.Error().Err(err).Int("bytes", len(doc)).Msg("activity document is corrupt, starting empty")
			res.Corrupt = true
		} else {
			state = decoded
		}
	}
	if state.HourlyActivity == nil {
		state.HourlyActivity = make(map[hourkey.Key]map[string]*Snapshot)
	}
	s.state = state
	res.NullEntries = s.dropNullEntriesLocked()

	if state.TimezoneTag != TimezoneUTC {
		s.phase = PhaseNeedsMigration
		migrated, dropped := s.migrateLocked()
		res.Migrated = true
		res.DroppedKeys = dropped
		s.logger.Info().
			Str("legacy_tag", state.TimezoneTag).
			Int("buckets", migrated).
			Int("dropped", dropped).
			Msg("migrated legacy hour keys to UTC")
	} else {
		res.DroppedKeys = s.dropInvalidKeysLocked()
		s.phase = PhaseReady
	}
	s.state.Version = DocumentVersion

	res.RecordIDsAssigned = s.ensureRecordIDsLocked()
	res.BucketsRemoved = s.cleanupLocked()
	return res
}

// Export serializes the store document.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != PhaseReady {
		return nil, fmt.Errorf("export: %w (phase %s)", perrors.ErrNotReady, s.phase)
	}
	doc, err := json.Marshal(s.state)
	if err != nil {
		return nil, fmt.Errorf("marshaling activity document: %w", err)
	}
	return doc, nil
}

// MergeCurrentHour merges snap into the current UTC hour bucket of project.
// It reports whether the bucket had already been reported before the merge.
func (s *Store) MergeCurrentHour(project string, snap Snapshot) (bool, error) {
	return s.MergeHour(hourkey.FromTime(s.clock.Now()), project, snap)
}

// MergeHour merges snap into the given bucket. A record id is assigned to
// snap first if it has none; the bucket keeps whichever id it saw first.
func (s *Store) MergeHour(key hourkey.Key, project string, snap Snapshot) (bool, error) {
	if !key.Valid() {
		return false, fmt.Errorf("merge %q: %w", project, perrors.ErrInvalidHourKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReady {
		return false, fmt.Errorf("merge %q: %w (phase %s)", project, perrors.ErrNotReady, s.phase)
	}
	if snap.RecordID == "" {
		snap.RecordID = s.newID()
	}
	return mergeInto(s.state.HourlyActivity, key, project, snap), nil
}

func mergeInto(hourly map[hourkey.Key]map[string]*Snapshot, key hourkey.Key, project string, snap Snapshot) bool {
	bucket := hourly[key]
	if bucket == nil {
		bucket = make(map[string]*Snapshot)
		hourly[key] = bucket
	}
	existing, ok := bucket[project]
	if !ok {
		c := snap.Clone()
		bucket[project] = &c
		return false
	}
	wasReported := existing.Reported
	existing.Merge(snap)
	return wasReported
}

// EnsureAllRecordIDs assigns a fresh id to every snapshot lacking one and
// returns how many were assigned.
func (s *Store) EnsureAllRecordIDs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureRecordIDsLocked()
}

func (s *Store) ensureRecordIDsLocked() int {
	n := 0
	for _, bucket := range s.state.HourlyActivity {
		for _, snap := range bucket {
			if snap.RecordID == "" {
				snap.RecordID = s.newID()
				n++
			}
		}
	}
	return n
}

// dropNullEntriesLocked removes null buckets and null snapshots left by a
// document that is valid JSON but not a valid state.
func (s *Store) dropNullEntriesLocked() int {
	n := 0
	for key, bucket := range s.state.HourlyActivity {
		for project, snap := range bucket {
			if snap == nil {
				delete(bucket, project)
				n++
			}
		}
		if len(bucket) == 0 {
			delete(s.state.HourlyActivity, key)
			if bucket == nil {
				n++
			}
		}
	}
	if n > 0 {
		s.logger.Warn().Int("entries", n).Msg("dropping null entries from activity document")
	}
	return n
}

func (s *Store) dropInvalidKeysLocked() int {
	dropped := 0
	for key := range s.state.HourlyActivity {
		if !key.Valid() {
			s.logger.Warn().Str("hour_key", string(key)).Msg("dropping unparseable hour key")
			delete(s.state.HourlyActivity, key)
			dropped++
		}
	}
	return dropped
}

// Bucket returns a copy of the snapshot stored for (key, project).
func (s *Store) Bucket(key hourkey.Key, project string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.state.HourlyActivity[key][project]
	if !ok {
		return Snapshot{}, false
	}
	return snap.Clone(), true
}

// Hours returns every stored hour key in ascending order.
func (s *Store) Hours() []hourkey.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]hourkey.Key, 0, len(s.state.HourlyActivity))
	for k := range s.state.HourlyActivity {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Sessions returns the number of distinct dates held.
func (s *Store) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dates := make(map[string]struct{})
	for k := range s.state.HourlyActivity {
		dates[k.Date()] = struct{}{}
	}
	return len(dates)
}

// Len returns the number of (hour, project) buckets held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, bucket := range s.state.HourlyActivity {
		n += len(bucket)
	}
	return n
}

// UnreportedData returns copies of every snapshot not yet reported, keyed by
// hour then project.
func (s *Store) UnreportedData() map[hourkey.Key]map[string]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[hourkey.Key]map[string]Snapshot)
	for key, bucket := range s.state.HourlyActivity {
		for project, snap := range bucket {
			if snap.Reported {
				continue
			}
			if out[key] == nil {
				out[key] = make(map[string]Snapshot)
			}
			out[key][project] = snap.Clone()
		}
	}
	return out
}

// HasUnreported reports whether any snapshot is still pending delivery.
func (s *Store) HasUnreported() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, bucket := range s.state.HourlyActivity {
		for _, snap := range bucket {
			if !snap.Reported {
				return true
			}
		}
	}
	return false
}

// MarkAllDataAsReported flags every snapshot as reported and returns how many
// changed.
func (s *Store) MarkAllDataAsReported() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReady {
		return 0, fmt.Errorf("mark reported: %w", perrors.ErrNotReady)
	}
	n := 0
	for _, bucket := range s.state.HourlyActivity {
		for _, snap := range bucket {
			if !snap.Reported {
				snap.Reported = true
				n++
			}
		}
	}
	return n, nil
}

// MarkReported flags the given projects of one hour as reported. With no
// projects, every snapshot of the hour is flagged.
func (s *Store) MarkReported(key hourkey.Key, projects ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReady {
		return 0, fmt.Errorf("mark reported: %w", perrors.ErrNotReady)
	}
	bucket := s.state.HourlyActivity[key]
	n := 0
	mark := func(snap *Snapshot) {
		if snap != nil && !snap.Reported {
			snap.Reported = true
			n++
		}
	}
	if len(projects) == 0 {
		for _, snap := range bucket {
			mark(snap)
		}
		return n, nil
	}
	for _, p := range projects {
		mark(bucket[p])
	}
	return n, nil
}
