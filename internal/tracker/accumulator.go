// Package tracker turns raw editor activity into in-memory counters that the
// sync coordinator drains periodically: per-project active time, per-file
// line changes, branch time and commits.
package tracker

import (
	"sync"
	"time"

	"github.com/p-blackswan/codetime/internal/hourkey"
)

// DefaultMaxTickGap is the largest elapsed interval a single tick may add.
const DefaultMaxTickGap = 5 * time.Minute

// Rollover is the final state of an hour the accumulator moved past.
type Rollover struct {
	HourKey      hourkey.Key
	Accumulated  int64
	LastReported int64
}

// Delta returns the seconds of the rolled-over hour not yet reported.
func (r Rollover) Delta() int64 { return r.Accumulated - r.LastReported }

// HourDelta is unreported active time attributed to one hour.
type HourDelta struct {
	HourKey hourkey.Key
	Seconds int64
}

// Accumulator measures active time on one project within the current UTC
// hour. Time is kept in milliseconds and exposed in whole seconds.
type Accumulator struct {
	mu           sync.Mutex
	project      string
	maxGap       time.Duration
	hourKey      hourkey.Key
	accMillis    int64
	baseMillis   int64
	lastActivity time.Time
	active       bool
	lastReported int64
}

// NewAccumulator creates an inactive accumulator. maxGap <= 0 disables the
// gap cap.
func NewAccumulator(project string, maxGap time.Duration) *Accumulator {
	return &Accumulator{project: project, maxGap: maxGap}
}

// Project returns the project the accumulator measures.
func (a *Accumulator) Project() string { return a.project }

// Activate marks the project active as of now. Calling it while already
// active folds the time since the previous activity in first.
func (a *Accumulator) Activate(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		a.tickLocked(now)
	}
	if a.hourKey == "" {
		a.hourKey = hourkey.FromTime(now)
	}
	a.baseMillis = a.accMillis
	a.lastActivity = now
	a.active = true
}

// Deactivate stops accumulation. Time since the last activity is not counted.
func (a *Accumulator) Deactivate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
}

// Tick brings the accumulated time up to now. It does not move the activity
// mark, so repeated ticks never count the same interval twice.
func (a *Accumulator) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tickLocked(now)
}

func (a *Accumulator) tickLocked(now time.Time) {
	if !a.active || a.lastActivity.IsZero() {
		return
	}
	elapsed := now.Sub(a.lastActivity)
	if elapsed < 0 || (a.maxGap > 0 && elapsed > a.maxGap) {
		return
	}
	if next := a.baseMillis + elapsed.Milliseconds(); next > a.accMillis {
		a.accMillis = next
	}
}

func (a *Accumulator) accumulatedLocked() int64 {
	return (a.accMillis + 500) / 1000
}

// Accumulated returns the whole seconds accumulated in the current hour.
func (a *Accumulator) Accumulated() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accumulatedLocked()
}

// LastReported returns the seconds already handed to the coordinator.
func (a *Accumulator) LastReported() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReported
}

// Active reports whether the accumulator is counting.
func (a *Accumulator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// HourKey returns the hour the counters belong to. Empty until first use.
func (a *Accumulator) HourKey() hourkey.Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hourKey
}

// DrainUnreportedDelta returns the seconds accumulated since the previous
// drain and marks them reported.
func (a *Accumulator) DrainUnreportedDelta() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drainLocked()
}

func (a *Accumulator) drainLocked() int64 {
	acc := a.accumulatedLocked()
	delta := acc - a.lastReported
	a.lastReported = acc
	return delta
}

// PeekUnsavedDelta is DrainUnreportedDelta without the mutation.
func (a *Accumulator) PeekUnsavedDelta() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accumulatedLocked() - a.lastReported
}

// CheckHourBoundary detects that now falls in a later hour than the counters.
// Pending active time is folded into the old hour, the old hour's totals are
// returned and the counters restart for the new hour at now.
func (a *Accumulator) CheckHourBoundary(now time.Time) (Rollover, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rolloverLocked(now)
}

func (a *Accumulator) rolloverLocked(now time.Time) (Rollover, bool) {
	current := hourkey.FromTime(now)
	if a.hourKey == "" {
		a.hourKey = current
		return Rollover{}, false
	}
	if a.hourKey == current {
		return Rollover{}, false
	}
	a.tickLocked(now)
	ro := Rollover{
		HourKey:      a.hourKey,
		Accumulated:  a.accumulatedLocked(),
		LastReported: a.lastReported,
	}
	a.hourKey = current
	a.accMillis = 0
	a.baseMillis = 0
	a.lastReported = 0
	if a.active {
		a.lastActivity = now
	}
	return ro, true
}

// Collect ticks, handles an hour rollover and drains, all under one lock. It
// returns at most two deltas: the rolled-over hour and the current hour.
func (a *Accumulator) Collect(now time.Time) []HourDelta {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []HourDelta
	if ro, ok := a.rolloverLocked(now); ok && ro.Delta() > 0 {
		out = append(out, HourDelta{HourKey: ro.HourKey, Seconds: ro.Delta()})
	}
	a.tickLocked(now)
	if d := a.drainLocked(); d > 0 {
		out = append(out, HourDelta{HourKey: a.hourKey, Seconds: d})
	}
	return out
}
