// Package syncer periodically drains the in-memory trackers into the local
// activity store and reconciles the store with the remote sample service.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime/internal/activity"
	"github.com/p-blackswan/codetime/internal/hourkey"
	"github.com/p-blackswan/codetime/internal/metrics"
	"github.com/p-blackswan/codetime/internal/remote"
	"github.com/p-blackswan/codetime/internal/store"
	"github.com/p-blackswan/codetime/internal/tracker"
)

// Sender uploads samples.
type Sender interface {
	SendTimeSpentSample(ctx context.Context, apiKey string, payload []byte) remote.Result
	SendChangesSample(ctx context.Context, apiKey string, payload []byte) remote.Result
}

// KeySource provides the API key and the collection pause flag.
type KeySource interface {
	APIKey() (string, bool)
	Paused() bool
}

// DocumentSink saves the activity store document.
type DocumentSink interface {
	SaveDocument(ctx context.Context, name string, body []byte) error
}

// RunRecorder keeps a history of sync cycles. Optional.
type RunRecorder interface {
	RecordSyncRun(ctx context.Context, run store.SyncRun) error
}

// Sources are the in-memory trackers drained every cycle.
type Sources struct {
	Registry *tracker.Registry
	Changes  *tracker.ChangeCounters
	Branches *tracker.BranchTracker
	Commits  *tracker.CommitTracker
}

// Cycle results, used as log fields and metric labels.
const (
	ResultNoop    = "noop"
	ResultOK      = "ok"
	ResultOffline = "offline"
	ResultPartial = "partial"
	ResultPanic   = "panic"
)

// Report describes one sync cycle.
type Report struct {
	Result         string
	DrainedSeconds int64
	CleanupRemoved int
	CatchUpHours   int
	Replayed       int
	LiveSent       int
	Queued         int
	SaveError      error
}

func (r Report) sent() int { return r.CatchUpHours + r.Replayed + r.LiveSent }

// Deps bundles the collaborators of a Coordinator.
type Deps struct {
	Store    *activity.Store
	Sources  Sources
	Sender   Sender
	Keys     KeySource
	Docs     DocumentSink
	Pending  PendingStore
	Runs     RunRecorder
	Queue    *Queue
	Metrics  *metrics.Metrics
	Clock    quartz.Clock
	Logger   zerolog.Logger
	Document string
}

// Coordinator runs sync cycles. RunCycle is safe to call from the scheduler
// and from shutdown; cycles never overlap.
type Coordinator struct {
	mu          sync.Mutex
	store       *activity.Store
	sources     Sources
	sender      Sender
	keys        KeySource
	docs        DocumentSink
	pending     PendingStore
	runs        RunRecorder
	queue       *Queue
	metrics     *metrics.Metrics
	clock       quartz.Clock
	logger      zerolog.Logger
	document    string
	lastSuccess atomic.Int64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(d Deps) *Coordinator {
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	if d.Queue == nil {
		d.Queue = NewQueue(DefaultQueueLimit, d.Logger)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Document == "" {
		d.Document = store.ActivityDocument
	}
	return &Coordinator{
		store:    d.Store,
		sources:  d.Sources,
		sender:   d.Sender,
		keys:     d.Keys,
		docs:     d.Docs,
		pending:  d.Pending,
		runs:     d.Runs,
		queue:    d.Queue,
		metrics:  d.Metrics,
		clock:    d.Clock,
		logger:   d.Logger.With().Str("component", "syncer").Logger(),
		document: d.Document,
	}
}

// Queue returns the retry queue.
func (c *Coordinator) Queue() *Queue { return c.queue }

// LastSuccess returns when a cycle last finished without a delivery failure.
func (c *Coordinator) LastSuccess() time.Time {
	ms := c.lastSuccess.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// drained is everything taken out of the trackers in one cycle.
type drained struct {
	seconds  map[hourkey.Key]map[string]int64
	branches map[hourkey.Key]map[string][]activity.BranchTime
	files    []tracker.FileSample
	commits  map[hourkey.Key]map[string][]activity.CommitRecord
	total    int64
}

func (d drained) empty() bool {
	return len(d.seconds) == 0 && len(d.files) == 0 && len(d.commits) == 0
}

func (c *Coordinator) drain(now time.Time) drained {
	d := drained{
		seconds:  make(map[hourkey.Key]map[string]int64),
		branches: make(map[hourkey.Key]map[string][]activity.BranchTime),
	}
	for _, acc := range c.sources.Registry.All() {
		deltas := acc.Collect(now)
		for _, hd := range deltas {
			if d.seconds[hd.HourKey] == nil {
				d.seconds[hd.HourKey] = make(map[string]int64)
			}
			d.seconds[hd.HourKey][acc.Project()] += hd.Seconds
			d.total += hd.Seconds

			if c.sources.Branches == nil {
				continue
			}
			if bt := c.sources.Branches.Attribute(acc.Project(), hd.Seconds, now); len(bt) > 0 {
				if d.branches[hd.HourKey] == nil {
					d.branches[hd.HourKey] = make(map[string][]activity.BranchTime)
				}
				d.branches[hd.HourKey][acc.Project()] = bt
			}
		}
	}
	if c.sources.Changes != nil {
		d.files = c.sources.Changes.Drain()
	}
	if c.sources.Commits != nil {
		d.commits = c.sources.Commits.Drain()
	}
	return d
}

// snapshots folds a drain into per-bucket snapshots.
func (d drained) snapshots(current hourkey.Key) map[hourkey.Key]map[string]*activity.Snapshot {
	out := make(map[hourkey.Key]map[string]*activity.Snapshot)
	get := func(k hourkey.Key, project string) *activity.Snapshot {
		if out[k] == nil {
			out[k] = make(map[string]*activity.Snapshot)
		}
		s, ok := out[k][project]
		if !ok {
			s = &activity.Snapshot{}
			out[k][project] = s
		}
		return s
	}
	for k, projects := range d.seconds {
		for project, secs := range projects {
			s := get(k, project)
			s.CodedSeconds += secs
			s.BranchActivity = d.branches[k][project]
		}
	}
	for _, f := range d.files {
		s := get(current, f.Project)
		s.Additions += f.Additions
		s.Removals += f.Removals
	}
	for k, projects := range d.commits {
		for project, commits := range projects {
			s := get(k, project)
			s.Commits = append(s.Commits, commits...)
		}
	}
	return out
}

// RunCycle performs one sync cycle.
func (c *Coordinator) RunCycle(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := c.clock.Now()
	report, err := c.runLocked(ctx, started)
	c.finish(ctx, started, report, err)
	return report, err
}

func (c *Coordinator) runLocked(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	removed, err := c.store.CleanupOldEntries()
	if err != nil {
		return report, fmt.Errorf("cleanup: %w", err)
	}
	report.CleanupRemoved = removed
	if removed > 0 {
		c.metrics.RetentionRemoved.Add(float64(removed))
	}

	current := hourkey.FromTime(now)
	d := c.drain(now)
	report.DrainedSeconds = d.total
	c.metrics.DrainedSeconds.Add(float64(d.total))

	if d.empty() && !c.store.HasUnreported() && c.queue.Len() == 0 {
		report.Result = ResultNoop
		if removed > 0 {
			report.SaveError = c.saveDocument(ctx)
		}
		return report, nil
	}

	// Persist before any network traffic.
	var live []liveTime
	reportedProjects := make(map[string]bool)
	for k, projects := range d.snapshots(current) {
		for project, snap := range projects {
			wasReported, err := c.store.MergeHour(k, project, *snap)
			if err != nil {
				return report, fmt.Errorf("merging %s/%s: %w", k, project, err)
			}
			if !wasReported {
				continue
			}
			if k == current {
				reportedProjects[project] = true
			}
			if snap.CodedSeconds > 0 {
				total := snap.CodedSeconds
				if merged, ok := c.store.Bucket(k, project); ok {
					total = merged.CodedSeconds
				}
				live = append(live, liveTime{key: k, project: project, seconds: snap.CodedSeconds, totalSeconds: total})
			}
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].key != live[j].key {
			return live[i].key < live[j].key
		}
		return live[i].project < live[j].project
	})
	var liveFiles []tracker.FileSample
	for _, f := range d.files {
		if reportedProjects[f.Project] {
			liveFiles = append(liveFiles, f)
		}
	}
	liveOut, err := livePayloads(live, liveFiles, current)
	if err != nil {
		return report, err
	}

	report.SaveError = c.saveDocument(ctx)

	apiKey, hasKey := c.keys.APIKey()
	if !hasKey || c.keys.Paused() {
		report.Result = ResultOffline
		for _, o := range liveOut {
			c.queue.Push(o.kind, o.body, now)
			report.Queued++
		}
		return report, nil
	}

	report.Result = ResultOK
	healthy := c.catchUp(ctx, apiKey, &report)
	if healthy {
		healthy = c.replay(ctx, apiKey, now, &report)
	}
	// Live payloads go out only behind a fully drained backlog.
	for _, o := range liveOut {
		if healthy && c.sendOne(ctx, apiKey, o.kind, "live", o.body) {
			report.LiveSent++
			continue
		}
		healthy = false
		c.queue.Push(o.kind, o.body, now)
		report.Queued++
	}
	if !healthy {
		report.Result = ResultPartial
	}

	if report.CatchUpHours > 0 {
		if err := c.saveDocument(ctx); err != nil {
			report.SaveError = err
		}
	}
	return report, nil
}

// catchUp sends every unreported stored hour, oldest first, and stops at the
// first failure. It reports whether every hour was delivered.
func (c *Coordinator) catchUp(ctx context.Context, apiKey string, report *Report) bool {
	unreported := c.store.UnreportedData()
	if len(unreported) == 0 {
		return true
	}
	hours := make([]hourkey.Key, 0, len(unreported))
	for k := range unreported {
		hours = append(hours, k)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	for _, k := range hours {
		bucket := unreported[k]
		timeSpent, changes, err := catchUpPayloads(k, bucket)
		if err != nil {
			c.logger.Error().Err(err).Str("hour_key", string(k)).Msg("building catch-up payload")
			return false
		}
		if !c.sendOne(ctx, apiKey, KindTimeSpent, "catch_up", timeSpent) {
			return false
		}
		if changes != nil && !c.sendOne(ctx, apiKey, KindChanges, "catch_up", changes) {
			return false
		}

		projects := make([]string, 0, len(bucket))
		for p := range bucket {
			projects = append(projects, p)
		}
		if _, err := c.store.MarkReported(k, projects...); err != nil {
			c.logger.Error().Err(err).Str("hour_key", string(k)).Msg("marking hour reported")
			return false
		}
		report.CatchUpHours++
	}
	return true
}

// replay resends queued payloads in order and stops at the first failure.
func (c *Coordinator) replay(ctx context.Context, apiKey string, now time.Time, report *Report) bool {
	for {
		item, ok := c.queue.Front()
		if !ok {
			return true
		}
		if !c.sendOne(ctx, apiKey, item.Kind, "replay", item.Body) {
			reason := "delivery failed"
			if !c.keyActive(apiKey) {
				reason = "api key revoked or collection paused"
			}
			c.queue.MarkFailed(reason, now)
			return false
		}
		c.queue.PopFront()
		report.Replayed++
	}
}

func (c *Coordinator) sendOne(ctx context.Context, apiKey, kind, origin string, body []byte) bool {
	var res remote.Result
	switch kind {
	case KindTimeSpent:
		res = c.sender.SendTimeSpentSample(ctx, apiKey, body)
	case KindChanges:
		res = c.sender.SendChangesSample(ctx, apiKey, body)
	default:
		c.logger.Error().Str("kind", kind).Msg("dropping payload of unknown kind")
		return true
	}
	if res != remote.ResultOK {
		c.metrics.RecordSample(kind, origin, res.String())
		return false
	}
	// A 2xx body may have revoked the key or paused collection.
	if !c.keyActive(apiKey) {
		c.metrics.RecordSample(kind, origin, "rejected")
		c.logger.Warn().Str("kind", kind).Str("origin", origin).Msg("api key revoked or collection paused, stopping delivery")
		return false
	}
	c.metrics.RecordSample(kind, origin, res.String())
	return true
}

func (c *Coordinator) keyActive(apiKey string) bool {
	key, ok := c.keys.APIKey()
	return ok && key == apiKey && !c.keys.Paused()
}

func (c *Coordinator) saveDocument(ctx context.Context) error {
	doc, err := c.store.Export()
	if err != nil {
		c.metrics.RecordError("syncer", "export")
		return err
	}
	if err := c.docs.SaveDocument(ctx, c.document, doc); err != nil {
		c.metrics.RecordError("syncer", "save")
		c.logger.Error().Err(err).Msg("saving activity document")
		return err
	}
	return nil
}

func (c *Coordinator) finish(ctx context.Context, started time.Time, report Report, err error) {
	if c.pending != nil {
		if perr := c.queue.Persist(ctx, c.pending); perr != nil {
			c.metrics.RecordError("syncer", "queue")
			c.logger.Error().Err(perr).Msg("persisting retry queue")
		}
	}

	result := report.Result
	if err != nil {
		result = "error"
	}
	elapsed := c.clock.Since(started)
	c.metrics.RecordCycle(result, elapsed.Seconds())
	c.metrics.QueueDepth.Set(float64(c.queue.Len()))
	c.metrics.StoreBuckets.Set(float64(c.store.Len()))

	if err == nil && report.SaveError == nil && (result == ResultOK || result == ResultNoop) {
		c.lastSuccess.Store(c.clock.Now().UnixMilli())
	}

	ev := c.logger.Info()
	if err != nil {
		ev = c.logger.Error().Err(err)
	} else if result == ResultNoop {
		ev = c.logger.Debug()
	}
	ev.Str("result", result).
		Int64("drained_seconds", report.DrainedSeconds).
		Int("catch_up_hours", report.CatchUpHours).
		Int("replayed", report.Replayed).
		Int("live_sent", report.LiveSent).
		Int("queued", report.Queued).
		Int("queue_depth", c.queue.Len()).
		Dur("elapsed", elapsed).
		Msg("sync cycle finished")

	if c.runs != nil && result != ResultNoop {
		run := store.SyncRun{
			StartedAt:  started.UnixMilli(),
			FinishedAt: c.clock.Now().UnixMilli(),
			Result:     result,
			Sent:       report.sent(),
			Queued:     report.Queued,
		}
		if err != nil {
			run.Details = err.Error()
		}
		if rerr := c.runs.RecordSyncRun(ctx, run); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("recording sync run")
		}
	}
}
