package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(t0)
	return NewDispatcher(NewRegistry(DefaultMaxTickGap), clock, zerolog.Nop()), clock
}

func advance(t *testing.T, clock *quartz.Mock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock.Advance(d).MustWait(ctx)
}

func TestRegistry_GetIsLazyAndStable(t *testing.T) {
	r := NewRegistry(DefaultMaxTickGap)
	_, ok := r.Lookup("a")
	assert.False(t, ok)

	a1 := r.Get("a")
	a2 := r.Get("a")
	assert.Same(t, a1, a2)
	r.Get("b")

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Project())
	assert.Equal(t, "b", all[1].Project())
}

func TestDispatcher_SwitchDeactivatesPrevious(t *testing.T) {
	d, clock := newTestDispatcher(t)

	d.Log("a")
	advance(t, clock, 10*time.Second)
	d.Log("b")
	advance(t, clock, 5*time.Second)
	d.Log("b")

	a, _ := d.Registry().Lookup("a")
	b, _ := d.Registry().Lookup("b")
	assert.False(t, a.Active())
	assert.True(t, b.Active())
	assert.Equal(t, int64(10), a.Accumulated())
	assert.Equal(t, int64(5), b.Accumulated())
	assert.Equal(t, "b", d.Current())
}

func TestDispatcher_PauseDoesNotCountIdleTime(t *testing.T) {
	d, clock := newTestDispatcher(t)

	d.Log("a")
	advance(t, clock, 10*time.Second)
	d.Log("a")
	advance(t, clock, 20*time.Second)
	d.PauseDueToInactivity()

	a, _ := d.Registry().Lookup("a")
	assert.False(t, a.Active())
	assert.Equal(t, int64(10), a.Accumulated())
	assert.Empty(t, d.Current())

	// Resuming starts a fresh interval.
	d.Log("a")
	advance(t, clock, 3*time.Second)
	d.Log("a")
	assert.Equal(t, int64(13), a.Accumulated())
}

func TestDispatcher_Release(t *testing.T) {
	d, clock := newTestDispatcher(t)
	d.Log("a")
	advance(t, clock, 5*time.Second)

	d.Release("other")
	assert.Equal(t, "a", d.Current())

	d.Release("a")
	a, _ := d.Registry().Lookup("a")
	assert.False(t, a.Active())
	assert.Equal(t, int64(5), a.Accumulated())
	assert.Empty(t, d.Current())
}

func TestDispatcher_AtMostOneActiveUnderContention(t *testing.T) {
	d := NewDispatcher(NewRegistry(DefaultMaxTickGap), quartz.NewReal(), zerolog.Nop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				d.Log(fmt.Sprintf("p%d", (g+i)%5))
				if i%97 == 0 {
					d.PauseDueToInactivity()
				}
			}
		}(g)
	}
	wg.Wait()

	active := 0
	for _, acc := range d.Registry().All() {
		if acc.Active() {
			active++
			assert.Equal(t, acc.Project(), d.Current())
		}
	}
	assert.LessOrEqual(t, active, 1)
}
