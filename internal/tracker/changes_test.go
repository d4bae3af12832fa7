package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeCounters_AddAndDrain(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(t0)
	c := NewChangeCounters(clock)

	c.Add("b", "main.go", "go", 3, 1)
	advance(t, clock, time.Minute)
	c.Add("a", "x.ts", "ts", 2, 0)
	c.Add("b", "main.go", "go", 1, 4)
	c.Add("b", "noop.go", "go", 0, 0)
	c.Add("b", "neg.go", "go", -5, 0)

	added, removed := c.Totals()
	assert.Equal(t, int64(6), added)
	assert.Equal(t, int64(5), removed)
	added, removed = c.ProjectTotals("b")
	assert.Equal(t, int64(4), added)
	assert.Equal(t, int64(5), removed)

	got := c.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, FileSample{
		Project: "a", File: "x.ts", Extension: "ts", Additions: 2,
		SamplingStartedAt: t0.Add(time.Minute),
	}, got[0])
	assert.Equal(t, FileSample{
		Project: "b", File: "main.go", Extension: "go", Additions: 4, Removals: 5,
		SamplingStartedAt: t0,
	}, got[1])

	assert.Empty(t, c.Drain())
	added, removed = c.Totals()
	assert.Zero(t, added)
	assert.Zero(t, removed)
}

func TestChangeCounters_ConcurrentAddAndDrainLosesNothing(t *testing.T) {
	c := NewChangeCounters(quartz.NewReal())

	const writers, perWriter = 8, 1000
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				c.Add("p", "f.go", "go", 1, 1)
			}
		}()
	}

	var drained int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			for _, s := range c.Drain() {
				assert.Equal(t, s.Additions, s.Removals)
				drained += s.Additions
			}
		}
	}()

	wg.Wait()
	<-done
	for _, s := range c.Drain() {
		drained += s.Additions
	}
	assert.Equal(t, int64(writers*perWriter), drained)
}
