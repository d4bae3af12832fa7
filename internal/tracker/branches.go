package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/p-blackswan/codetime/internal/activity"
)

type branchWindow struct {
	current   string
	since     time.Time
	spans     map[string]time.Duration
	forgotten bool
}

// BranchTracker remembers which branch each project is on and splits active
// seconds across the branches seen since the last attribution.
type BranchTracker struct {
	mu       sync.Mutex
	projects map[string]*branchWindow
}

// NewBranchTracker creates an empty tracker.
func NewBranchTracker() *BranchTracker {
	return &BranchTracker{projects: make(map[string]*branchWindow)}
}

// SetBranch records that project switched to branch at now.
func (b *BranchTracker) SetBranch(project, branch string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.projects[project]
	if !ok {
		w = &branchWindow{spans: make(map[string]time.Duration)}
		b.projects[project] = w
	}
	w.forgotten = false
	if w.current == branch {
		return
	}
	w.closeSpan(now)
	w.current = branch
	w.since = now
}

func (w *branchWindow) closeSpan(now time.Time) {
	if w.current == "" {
		return
	}
	if d := now.Sub(w.since); d > 0 {
		w.spans[w.current] += d
	}
	w.since = now
}

// Current returns the branch project is on.
func (b *BranchTracker) Current(project string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.projects[project]; ok {
		return w.current
	}
	return ""
}

// Forget drops project's state as of now. Branch time not yet attributed is
// kept until the next Attribute call consumes it.
func (b *BranchTracker) Forget(project string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.projects[project]
	if !ok {
		return
	}
	w.closeSpan(now)
	w.current = ""
	if len(w.spans) == 0 {
		delete(b.projects, project)
		return
	}
	w.forgotten = true
}

// Attribute splits seconds across the branches project was on since the
// previous call, proportionally to wall-clock time on each, and starts a new
// window. The result is ordered by branch name and sums to seconds.
func (b *BranchTracker) Attribute(project string, seconds int64, now time.Time) []activity.BranchTime {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.projects[project]
	if !ok {
		return nil
	}
	w.closeSpan(now)
	spans := w.spans
	w.spans = make(map[string]time.Duration)
	if w.forgotten {
		delete(b.projects, project)
	}
	if seconds <= 0 {
		return nil
	}

	var total time.Duration
	for _, d := range spans {
		total += d
	}
	if total <= 0 {
		if w.current == "" {
			return nil
		}
		return []activity.BranchTime{{Branch: w.current, Seconds: seconds}}
	}
	return splitProportionally(spans, total, seconds)
}

// splitProportionally uses largest remainder rounding.
func splitProportionally(spans map[string]time.Duration, total time.Duration, seconds int64) []activity.BranchTime {
	type share struct {
		branch    string
		seconds   int64
		remainder int64
	}
	totalMillis := total.Milliseconds()
	if totalMillis <= 0 {
		totalMillis = 1
	}
	shares := make([]share, 0, len(spans))
	var assigned int64
	for branch, d := range spans {
		num := seconds * d.Milliseconds()
		s := share{branch: branch, seconds: num / totalMillis, remainder: num % totalMillis}
		assigned += s.seconds
		shares = append(shares, s)
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].remainder != shares[j].remainder {
			return shares[i].remainder > shares[j].remainder
		}
		return shares[i].branch < shares[j].branch
	})
	for i := 0; assigned < seconds; i = (i + 1) % len(shares) {
		shares[i].seconds++
		assigned++
	}

	out := make([]activity.BranchTime, 0, len(shares))
	for _, s := range shares {
		if s.seconds > 0 {
			out = append(out, activity.BranchTime{Branch: s.branch, Seconds: s.seconds})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out
}
