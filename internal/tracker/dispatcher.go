package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

// Registry lazily creates one Accumulator per project.
type Registry struct {
	mu     sync.RWMutex
	accs   map[string]*Accumulator
	maxGap time.Duration
}

// NewRegistry creates an empty registry whose accumulators use maxGap.
func NewRegistry(maxGap time.Duration) *Registry {
	return &Registry{accs: make(map[string]*Accumulator), maxGap: maxGap}
}

// Get returns the accumulator of project, creating it on first use.
func (r *Registry) Get(project string) *Accumulator {
	r.mu.RLock()
	acc, ok := r.accs[project]
	r.mu.RUnlock()
	if ok {
		return acc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accs[project]; ok {
		return acc
	}
	acc = NewAccumulator(project, r.maxGap)
	r.accs[project] = acc
	return acc
}

// Lookup returns the accumulator of project without creating one.
func (r *Registry) Lookup(project string) (*Accumulator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accs[project]
	return acc, ok
}

// All returns every accumulator ordered by project name.
func (r *Registry) All() []*Accumulator {
	r.mu.RLock()
	out := make([]*Accumulator, 0, len(r.accs))
	for _, acc := range r.accs {
		out = append(out, acc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].project < out[j].project })
	return out
}

// Len returns the number of tracked projects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accs)
}

// Dispatcher routes "user is active" signals to exactly one accumulator at a
// time.
type Dispatcher struct {
	registry *Registry
	current  atomic.Pointer[Accumulator]
	clock    quartz.Clock
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, clock quartz.Clock, logger zerolog.Logger) *Dispatcher {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Dispatcher{
		registry: registry,
		clock:    clock,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Log records activity on project. Switching projects ticks and deactivates
// the previous accumulator before the new one is activated.
func (d *Dispatcher) Log(project string) {
	now := d.clock.Now()
	acc := d.registry.Get(project)

	for {
		prev := d.current.Load()
		if prev == acc {
			acc.Activate(now)
			break
		}
		if d.current.CompareAndSwap(prev, acc) {
			if prev != nil {
				prev.Tick(now)
				prev.Deactivate()
				d.logger.Debug().Str("from", prev.project).Str("to", project).Msg("active project switched")
			}
			acc.Activate(now)
			break
		}
	}

	// A concurrent Log may have swapped another accumulator in after ours
	// was activated.
	if d.current.Load() != acc {
		acc.Deactivate()
	}
}

// PauseDueToInactivity deactivates the current accumulator without counting
// the time since its last activity.
func (d *Dispatcher) PauseDueToInactivity() {
	if prev := d.current.Swap(nil); prev != nil {
		prev.Deactivate()
		d.logger.Debug().Str("project", prev.project).Msg("paused due to inactivity")
	}
}

// Release stops tracking project if it is the active one, counting time up
// to now.
func (d *Dispatcher) Release(project string) {
	acc, ok := d.registry.Lookup(project)
	if !ok {
		return
	}
	if d.current.CompareAndSwap(acc, nil) {
		acc.Tick(d.clock.Now())
		acc.Deactivate()
	}
}

// Current returns the active project, or "" when none is active.
func (d *Dispatcher) Current() string {
	if acc := d.current.Load(); acc != nil {
		return acc.project
	}
	return ""
}

// Registry returns the accumulator registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }
