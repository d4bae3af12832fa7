package tracker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
)

func TestIdleWatchdog_FiresAfterQuietPeriod(t *testing.T) {
	clock := quartz.NewMock(t)
	var fired atomic.Int32
	w := NewIdleWatchdog(clock, 30*time.Second, func() { fired.Add(1) })

	w.Touch()
	advance(t, clock, 20*time.Second)
	w.Touch()
	advance(t, clock, 20*time.Second)
	assert.Zero(t, fired.Load(), "touch re-arms the timer")

	advance(t, clock, 10*time.Second)
	assert.Equal(t, int32(1), fired.Load())

	w.Touch()
	advance(t, clock, 30*time.Second)
	assert.Equal(t, int32(2), fired.Load())
}

func TestIdleWatchdog_StopDisarms(t *testing.T) {
	clock := quartz.NewMock(t)
	var fired atomic.Int32
	w := NewIdleWatchdog(clock, 0, func() { fired.Add(1) })

	w.Touch()
	w.Stop()
	w.Touch()
	advance(t, clock, DefaultIdleTimeout)
	assert.Zero(t, fired.Load())
}
