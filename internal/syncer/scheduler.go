package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the delay between sync cycles.
	DefaultInterval = 2 * time.Minute
	// MinInterval is the shortest accepted delay between sync cycles.
	MinInterval = time.Minute
)

// Cycler runs one sync cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (Report, error)
}

// Scheduler drives a Cycler on a fixed interval from a single goroutine.
type Scheduler struct {
	cycler   Cycler
	clock    quartz.Clock
	interval time.Duration
	logger   zerolog.Logger
	onPanic  func()

	mu     sync.Mutex
	cancel context.CancelFunc
	waiter quartz.Waiter
}

// NewScheduler creates a stopped scheduler. interval is clamped to
// MinInterval.
func NewScheduler(cycler Cycler, clock quartz.Clock, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Scheduler{
		cycler:   cycler,
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// OnPanic registers a hook called after a cycle panic was recovered.
func (s *Scheduler) OnPanic(fn func()) { s.onPanic = fn }

// Interval returns the effective interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start begins ticking. The first cycle runs one interval after Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.waiter = s.clock.TickerFunc(ctx, s.interval, func() error {
		s.runSafely(ctx)
		return nil
	}, "sync")
	s.logger.Info().Dur("interval", s.interval).Msg("sync scheduler started")
}

// Stop cancels the ticker and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, waiter := s.cancel, s.waiter
	s.cancel, s.waiter = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = waiter.Wait()
	s.logger.Info().Msg("sync scheduler stopped")
}

// FinalFlush runs one last cycle, best effort.
func (s *Scheduler) FinalFlush(ctx context.Context) error {
	return s.runSafely(ctx)
}

func (s *Scheduler) runSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("sync cycle panicked")
			if s.onPanic != nil {
				s.onPanic()
			}
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
	}()
	if _, err := s.cycler.RunCycle(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sync cycle failed")
		return err
	}
	return nil
}
