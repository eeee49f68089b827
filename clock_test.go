package offlinekit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	t.Run("timers fire in deadline order", func(t *testing.T) {
		c := NewManualClock(testEpoch)
		var fired []string
		c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
		c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
		c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

		c.Advance(500 * time.Millisecond)
		assert.Empty(t, fired)
		assert.Equal(t, 3, c.PendingTimers())

		c.Advance(5 * time.Second)
		assert.Equal(t, []string{"a", "b", "c"}, fired)
		assert.Equal(t, 0, c.PendingTimers())
		assert.Equal(t, testEpoch.Add(5500*time.Millisecond), c.Now())
	})

	t.Run("stopped timers never fire", func(t *testing.T) {
		c := NewManualClock(testEpoch)
		fired := false
		timer := c.AfterFunc(time.Second, func() { fired = true })
		assert.True(t, timer.Stop())
		assert.False(t, timer.Stop())
		c.Advance(time.Minute)
		assert.False(t, fired)
		assert.Equal(t, 0, c.PendingTimers())
	})

	t.Run("sleep advances and records", func(t *testing.T) {
		c := NewManualClock(testEpoch)
		require.NoError(t, c.Sleep(context.Background(), time.Second))
		require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.Sleeps())
		assert.Equal(t, testEpoch.Add(3*time.Second), c.Now())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
		assert.Len(t, c.Sleeps(), 2)
	})

	t.Run("callbacks may schedule new timers", func(t *testing.T) {
		c := NewManualClock(testEpoch)
		n := 0
		var schedule func()
		schedule = func() {
			n++
			c.AfterFunc(time.Second, schedule)
		}
		c.AfterFunc(time.Second, schedule)
		c.Advance(time.Second)
		c.Advance(time.Second)
		assert.Equal(t, 2, n)
		assert.Equal(t, 1, c.PendingTimers())
	})
}

func TestSystemClockSleepCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SystemClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
