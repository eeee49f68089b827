package offlinekit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerJobs(t *testing.T) {
	f := newLayerFixture(t, "")

	s := NewScheduler(f.layer, &SchedulerOptions{CleanupInterval: time.Minute, DrainInterval: 30 * time.Second})
	require.NoError(t, s.Start())
	assert.Equal(t, 2, s.Jobs())
	s.Stop()

	idle := NewScheduler(f.layer, nil)
	require.NoError(t, idle.Start())
	assert.Equal(t, 0, idle.Jobs())
	idle.Stop()

	cleanupOnly := NewScheduler(f.layer, &SchedulerOptions{CleanupInterval: time.Minute})
	require.NoError(t, cleanupOnly.Start())
	assert.Equal(t, 1, cleanupOnly.Jobs())
	cleanupOnly.Stop()
}

func TestSchedulerRunCleanup(t *testing.T) {
	f := newLayerFixture(t, "")
	c := f.layer.Cache()
	c.Set("short", 1, &SetOptions{TTL: time.Second})
	c.Set("long", 2, &SetOptions{TTL: time.Hour})

	s := NewScheduler(f.layer, nil)
	s.RunCleanup()
	assert.Equal(t, 2, c.Len())

	f.clock.Advance(time.Minute)
	s.RunCleanup()
	assert.Equal(t, 1, c.Len())
}

func TestSchedulerRunDrain(t *testing.T) {
	ctx := context.Background()
	f := newLayerFixture(t, "ws://sync")
	s := NewScheduler(f.layer, nil)

	_, err := f.layer.Queue().AddPendingAction(ctx, "orders.create", nil)
	require.NoError(t, err)

	s.RunDrain(ctx)
	assert.Equal(t, int64(0), f.processed.Load(), "offline runs are skipped")

	require.NoError(t, f.layer.Start(ctx))
	assert.Equal(t, int64(1), f.processed.Load(), "connect drains")

	_, err = f.layer.Queue().AddPendingAction(ctx, "orders.create", nil)
	require.NoError(t, err)
	s.RunDrain(ctx)
	assert.Equal(t, int64(2), f.processed.Load())
	assert.Equal(t, 0, f.layer.Queue().Len())

	s.RunDrain(ctx)
	assert.Equal(t, int64(2), f.processed.Load())
}
