// Package engine wires the trackers, the local activity store, the remote
// client and the sync scheduler into one service with an explicit lifecycle.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime/internal/activity"
	"github.com/p-blackswan/codetime/internal/config"
	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/health"
	"github.com/p-blackswan/codetime/internal/hourkey"
	"github.com/p-blackswan/codetime/internal/metrics"
	"github.com/p-blackswan/codetime/internal/remote"
	"github.com/p-blackswan/codetime/internal/store"
	"github.com/p-blackswan/codetime/internal/syncer"
	"github.com/p-blackswan/codetime/internal/tracker"
)

// Event types recorded in metrics.
const (
	EventActive         = "active"
	EventLines          = "lines"
	EventBranch         = "branch"
	EventCommit         = "commit"
	EventFocusLost      = "focus_lost"
	EventProjectClosing = "project_closing"
)

// Options configures an Engine. Backend is required.
type Options struct {
	Config   *config.Config
	Backend  store.Backend
	Sender   syncer.Sender // overrides the remote client, used in tests
	Notifier remote.Notifier
	Metrics  *metrics.Metrics
	Clock    quartz.Clock
	Logger   zerolog.Logger
}

// Status is a point-in-time view of the engine for the local API.
type Status struct {
	Started       bool           `json:"started"`
	Phase         string         `json:"phase"`
	ActiveProject string         `json:"activeProject,omitempty"`
	RemoteEnabled bool           `json:"remoteEnabled"`
	Remote        remote.Status  `json:"remote"`
	QueueDepth    int            `json:"queueDepth"`
	QueueDropped  int            `json:"queueDropped"`
	Buckets       int            `json:"buckets"`
	Sessions      int            `json:"sessions"`
	LastSync      *time.Time     `json:"lastSync,omitempty"`
	LastRun       *store.SyncRun `json:"lastRun,omitempty"`
}

// Engine is the activity accumulation and synchronization service.
type Engine struct {
	cfg     *config.Config
	clock   quartz.Clock
	backend store.Backend
	logger  zerolog.Logger

	activity   *activity.Store
	registry   *tracker.Registry
	dispatcher *tracker.Dispatcher
	idle       *tracker.IdleWatchdog
	changes    *tracker.ChangeCounters
	branches   *tracker.BranchTracker
	commits    *tracker.CommitTracker

	lifecycle   *remote.Lifecycle
	client      *remote.Client
	coordinator *syncer.Coordinator
	scheduler   *syncer.Scheduler
	runs        runHistory
	checker     *health.Checker
	metrics     *metrics.Metrics

	started atomic.Bool
}

// New builds an engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("engine: state backend is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := opts.Logger

	e := &Engine{
		cfg:     cfg,
		clock:   clock,
		backend: opts.Backend,
		logger:  logger.With().Str("component", "engine").Logger(),
		metrics: m,
		checker: health.NewChecker(logger),
	}

	e.activity = activity.NewStore(logger,
		activity.WithClock(clock),
		activity.WithLocation(loc),
		activity.WithMaxSessions(cfg.MaxSessions),
	)
	e.registry = tracker.NewRegistry(cfg.MaxTickGap)
	e.dispatcher = tracker.NewDispatcher(e.registry, clock, logger)
	e.idle = tracker.NewIdleWatchdog(clock, cfg.IdleTimeout, e.dispatcher.PauseDueToInactivity)
	e.changes = tracker.NewChangeCounters(clock)
	e.branches = tracker.NewBranchTracker()
	e.commits = tracker.NewCommitTracker()

	apiKey := ""
	if cfg.RemoteEnabled() {
		apiKey = cfg.APIKey
	}
	e.lifecycle = remote.NewLifecycle(apiKey, opts.Notifier, logger)

	sender := opts.Sender
	if cfg.RemoteEnabled() {
		e.client = remote.NewClient(remote.Options{
			BaseURL:        cfg.ServerURL,
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
			DailyCacheTTL:  cfg.DailyCacheTTL,
		}, e.lifecycle, logger)
		if sender == nil {
			sender = e.client
		}
	}
	if sender == nil {
		sender = offlineSender{}
	}

	queueLimit := cfg.QueueLimit
	if queueLimit <= 0 {
		queueLimit = syncer.DefaultQueueLimit
	}
	var runs syncer.RunRecorder
	if rr, ok := opts.Backend.(syncer.RunRecorder); ok {
		runs = rr
	}
	if rh, ok := opts.Backend.(runHistory); ok {
		e.runs = rh
	}
	e.coordinator = syncer.NewCoordinator(syncer.Deps{
		Store: e.activity,
		Sources: syncer.Sources{
			Registry: e.registry,
			Changes:  e.changes,
			Branches: e.branches,
			Commits:  e.commits,
		},
		Sender:  sender,
		Keys:    e.lifecycle,
		Docs:    opts.Backend,
		Pending: opts.Backend,
		Runs:    runs,
		Queue:   syncer.NewQueue(queueLimit, logger),
		Metrics: m,
		Clock:   clock,
		Logger:  logger,
	})
	e.scheduler = syncer.NewScheduler(e.coordinator, clock, cfg.EffectiveSyncInterval(), logger)
	e.scheduler.OnPanic(func() { m.RecordError("syncer", "panic") })

	e.checker.Register("store", health.PingCheck(opts.Backend))
	e.checker.Register("sync", health.FreshnessCheck(clock, e.coordinator.LastSuccess, 3*e.scheduler.Interval()))
	return e, nil
}

// offlineSender fails every upload. It backs the coordinator when no sample
// service is configured, so payloads stay queued.
type offlineSender struct{}

func (offlineSender) SendTimeSpentSample(context.Context, string, []byte) remote.Result {
	return remote.ResultError
}

func (offlineSender) SendChangesSample(context.Context, string, []byte) remote.Result {
	return remote.ResultError
}

type runHistory interface {
	LastSyncRun(ctx context.Context) (*store.SyncRun, error)
}

type retentionRunner interface {
	RunRetention(ctx context.Context) (int64, error)
	DBSizeBytes() (int64, error)
}

// Start loads the persisted state, restores the retry queue and starts the
// sync scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Load() {
		return nil
	}
	doc, err := e.backend.LoadDocument(ctx, store.ActivityDocument)
	if err != nil {
		return fmt.Errorf("loading activity document: %w", err)
	}
	res := e.activity.Load(doc)
	e.logger.Info().
		Bool("corrupt", res.Corrupt).
		Bool("migrated", res.Migrated).
		Int("dropped_keys", res.DroppedKeys).
		Int("null_entries", res.NullEntries).
		Int("record_ids_assigned", res.RecordIDsAssigned).
		Int("buckets_removed", res.BucketsRemoved).
		Int("buckets", e.activity.Len()).
		Msg("activity store loaded")
	if res.BucketsRemoved > 0 {
		e.metrics.RetentionRemoved.Add(float64(res.BucketsRemoved))
	}
	if !res.Corrupt && (res.Migrated || res.DroppedKeys > 0 || res.NullEntries > 0 || res.RecordIDsAssigned > 0 || res.BucketsRemoved > 0) {
		if err := e.saveDocument(ctx); err != nil {
			e.logger.Error().Err(err).Msg("saving migrated activity document")
		}
	}

	if err := e.coordinator.Queue().Restore(ctx, e.backend); err != nil {
		e.metrics.RecordError("engine", "queue_restore")
		e.logger.Error().Err(err).Msg("retry queue not restored, starting empty")
	}
	e.metrics.QueueDepth.Set(float64(e.coordinator.Queue().Len()))
	e.metrics.StoreBuckets.Set(float64(e.activity.Len()))

	if rr, ok := e.backend.(retentionRunner); ok {
		if n, err := rr.RunRetention(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("sync run retention failed")
		} else if n > 0 {
			e.logger.Info().Int64("removed", n).Msg("old sync runs removed")
		}
		if size, err := rr.DBSizeBytes(); err == nil {
			e.metrics.DBSizeBytes.Set(float64(size))
		}
	}

	e.scheduler.Start(ctx)
	e.started.Store(true)
	e.logger.Info().
		Bool("remote_enabled", e.cfg.RemoteEnabled()).
		Int("queue_depth", e.coordinator.Queue().Len()).
		Msg("engine started")
	return nil
}

func (e *Engine) saveDocument(ctx context.Context) error {
	doc, err := e.activity.Export()
	if err != nil {
		return err
	}
	return e.backend.SaveDocument(ctx, store.ActivityDocument, doc)
}

// Shutdown stops the idle watchdog and the scheduler, counts the active
// project's time up to now and runs a final sync cycle.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.idle.Stop()
	e.scheduler.Stop()
	if cur := e.dispatcher.Current(); cur != "" {
		e.dispatcher.Release(cur)
	}
	if err := e.scheduler.FinalFlush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	e.logger.Info().Msg("engine stopped")
	return nil
}

// SyncNow runs one sync cycle immediately.
func (e *Engine) SyncNow(ctx context.Context) (syncer.Report, error) {
	if !e.started.Load() {
		return syncer.Report{}, perrors.ErrNotReady
	}
	return e.coordinator.RunCycle(ctx)
}

// OnUserActive records activity in project. Ignored while collection is
// paused by the sample service.
func (e *Engine) OnUserActive(project string) {
	if project == "" || e.lifecycle.Paused() {
		return
	}
	e.dispatcher.Log(project)
	e.idle.Touch()
	e.metrics.RecordEvent(EventActive)
}

// OnLinesChanged records line changes in a file. The extension is taken from
// path when empty.
func (e *Engine) OnLinesChanged(project, path, extension string, added, removed int64) {
	if project == "" || e.lifecycle.Paused() {
		return
	}
	if extension == "" {
		extension = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	e.changes.Add(project, path, extension, added, removed)
	e.metrics.RecordEvent(EventLines)
}

// OnBranchChanged records that project switched branch.
func (e *Engine) OnBranchChanged(project, branch string) {
	if project == "" {
		return
	}
	e.branches.SetBranch(project, branch, e.clock.Now())
	e.metrics.RecordEvent(EventBranch)
}

// OnCommit records a commit. It returns false when the commit was rejected
// or is already pending.
func (e *Engine) OnCommit(project string, c activity.CommitRecord) bool {
	if project == "" || e.lifecycle.Paused() {
		return false
	}
	if c.Branch == "" {
		c.Branch = e.branches.Current(project)
	}
	ok := e.commits.Record(project, c, e.clock.Now())
	if ok {
		e.metrics.RecordEvent(EventCommit)
	}
	return ok
}

// OnApplicationFocusLost stops tracking the active project, counting its
// time up to now.
func (e *Engine) OnApplicationFocusLost() {
	if cur := e.dispatcher.Current(); cur != "" {
		e.dispatcher.Release(cur)
	}
	e.metrics.RecordEvent(EventFocusLost)
}

// OnProjectClosing stops tracking project if it is active. Its pending time
// is kept and saved by the next cycle.
func (e *Engine) OnProjectClosing(project string) {
	e.dispatcher.Release(project)
	e.branches.Forget(project, e.clock.Now())
	e.metrics.RecordEvent(EventProjectClosing)
}

// TodayTotalSeconds returns seconds coded today in the host time zone,
// including time not yet saved.
func (e *Engine) TodayTotalSeconds() int64 {
	now := e.clock.Now()
	total, _ := e.activity.DaySeconds(now)
	for _, acc := range e.registry.All() {
		total += e.unsavedToday(acc, now)
	}
	return total
}

// TodayProjectSeconds returns seconds coded today in project, including time
// not yet saved.
func (e *Engine) TodayProjectSeconds(project string) int64 {
	now := e.clock.Now()
	_, perProject := e.activity.DaySeconds(now)
	total := perProject[project]
	if acc, ok := e.registry.Lookup(project); ok {
		total += e.unsavedToday(acc, now)
	}
	return total
}

// unsavedToday is the accumulator's unsaved time when its hour falls on the
// local date of now. Time held for an earlier day is not today's.
func (e *Engine) unsavedToday(acc *tracker.Accumulator, now time.Time) int64 {
	key := acc.HourKey()
	if key == "" {
		return 0
	}
	loc := e.activity.Location()
	local, err := hourkey.UTCToLocal(key, loc)
	if err != nil || local.Date() != hourkey.LocalDate(now, loc) {
		return 0
	}
	return acc.PeekUnsavedDelta()
}

// ProjectUnsavedDelta returns project time accumulated since the last
// sync cycle.
func (e *Engine) ProjectUnsavedDelta(project string) int64 {
	acc, ok := e.registry.Lookup(project)
	if !ok {
		return 0
	}
	return acc.PeekUnsavedDelta()
}

// AllDataInLocalTimezone returns every stored bucket keyed by local hour,
// newest first.
func (e *Engine) AllDataInLocalTimezone() []activity.LocalBucket {
	return e.activity.AllDataInLocalTimezone()
}

// RemoteDaily fetches today's per-project totals from the sample service.
func (e *Engine) RemoteDaily(ctx context.Context) (remote.DailyTotals, error) {
	if e.client == nil {
		return nil, perrors.ErrRemoteDisabled
	}
	key, ok := e.lifecycle.APIKey()
	if !ok {
		return nil, perrors.ErrNoAPIKey
	}
	now := e.clock.Now().In(e.activity.Location())
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return e.client.FetchDailyTimePerProject(ctx, key, from)
}

// SetAPIKey replaces the API key. An empty key clears it.
func (e *Engine) SetAPIKey(key string) error {
	if e.client == nil {
		return perrors.ErrRemoteDisabled
	}
	if key == "" {
		e.lifecycle.ClearAPIKey()
		return nil
	}
	e.lifecycle.SetAPIKey(key)
	return nil
}

// ResumeCollection clears a pause set by the sample service.
func (e *Engine) ResumeCollection() {
	e.lifecycle.Resume()
}

// Status returns the engine status.
func (e *Engine) Status() Status {
	q := e.coordinator.Queue()
	st := Status{
		Started:       e.started.Load(),
		Phase:         e.activity.Phase().String(),
		ActiveProject: e.dispatcher.Current(),
		RemoteEnabled: e.client != nil,
		Remote:        e.lifecycle.Status(),
		QueueDepth:    q.Len(),
		QueueDropped:  q.Dropped(),
		Buckets:       e.activity.Len(),
		Sessions:      e.activity.Sessions(),
	}
	if t := e.coordinator.LastSuccess(); !t.IsZero() {
		st.LastSync = &t
	}
	if e.runs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		run, err := e.runs.LastSyncRun(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("reading last sync run")
		}
		st.LastRun = run
	}
	return st
}

// Health returns the dependency checker.
func (e *Engine) Health() *health.Checker { return e.checker }

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
