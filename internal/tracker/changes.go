package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
)

// FileSample is the drained line-change count of one file.
type FileSample struct {
	Project           string
	File              string
	Extension         string
	Additions         int64
	Removals          int64
	SamplingStartedAt time.Time
}

type fileKey struct {
	project string
	file    string
}

type fileCounter struct {
	extension string
	started   time.Time
	added     atomic.Int64
	removed   atomic.Int64
}

// ChangeCounters accumulates per-file line changes. Increments share the
// read lock; Drain takes the write lock and swaps the map, so an increment
// lands entirely before or entirely after any drain.
type ChangeCounters struct {
	mu    sync.RWMutex
	files *sync.Map
	clock quartz.Clock
}

// NewChangeCounters creates empty counters.
func NewChangeCounters(clock quartz.Clock) *ChangeCounters {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &ChangeCounters{files: &sync.Map{}, clock: clock}
}

// Add records added and removed lines for a file. Negative counts are
// ignored.
func (c *ChangeCounters) Add(project, file, extension string, added, removed int64) {
	if added < 0 {
		added = 0
	}
	if removed < 0 {
		removed = 0
	}
	if added == 0 && removed == 0 {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	key := fileKey{project: project, file: file}
	v, ok := c.files.Load(key)
	if !ok {
		v, _ = c.files.LoadOrStore(key, &fileCounter{extension: extension, started: c.clock.Now()})
	}
	fc := v.(*fileCounter)
	fc.added.Add(added)
	fc.removed.Add(removed)
}

// Drain returns and clears every counter, ordered by project then file.
func (c *ChangeCounters) Drain() []FileSample {
	c.mu.Lock()
	old := c.files
	c.files = &sync.Map{}
	c.mu.Unlock()

	var out []FileSample
	old.Range(func(k, v any) bool {
		key := k.(fileKey)
		fc := v.(*fileCounter)
		out = append(out, FileSample{
			Project:           key.project,
			File:              key.file,
			Extension:         fc.extension,
			Additions:         fc.added.Load(),
			Removals:          fc.removed.Load(),
			SamplingStartedAt: fc.started,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].File < out[j].File
	})
	return out
}

// Totals sums every undrained counter.
func (c *ChangeCounters) Totals() (added, removed int64) {
	return c.sum(func(fileKey) bool { return true })
}

// ProjectTotals sums the undrained counters of one project.
func (c *ChangeCounters) ProjectTotals(project string) (added, removed int64) {
	return c.sum(func(k fileKey) bool { return k.project == project })
}

func (c *ChangeCounters) sum(match func(fileKey) bool) (added, removed int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.files.Range(func(k, v any) bool {
		if match(k.(fileKey)) {
			fc := v.(*fileCounter)
			added += fc.added.Load()
			removed += fc.removed.Load()
		}
		return true
	})
	return added, removed
}
