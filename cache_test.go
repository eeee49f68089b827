package offlinekit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, maxSize int) (*Cache, *ManualClock, *MemoryStore) {
	t.Helper()
	clock := NewManualClock(testEpoch)
	store := NewMemoryStore()
	c := NewCache(store, &CacheOptions{MaxSize: maxSize, Clock: clock})
	return c, clock, store
}

// ============================================================================
// Size bound and eviction
// ============================================================================

func TestCacheSizeBound(t *testing.T) {
	c, clock, _ := newTestCache(t, 5)
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, nil)
		clock.Advance(time.Millisecond)
		require.LessOrEqual(t, c.Len(), 5)
	}
	assert.Equal(t, 45, c.Stats().Evictions)
}

func TestCacheEviction(t *testing.T) {
	t.Run("lowest priority goes first", func(t *testing.T) {
		c, _, _ := newTestCache(t, 2)
		c.Set("a", "1", &SetOptions{Priority: PriorityLow})
		c.Set("b", "2", &SetOptions{Priority: PriorityHigh})
		require.Equal(t, 2, c.Len())

		c.Set("c", "3", &SetOptions{Priority: PriorityNormal})

		_, ok := c.Get("a")
		assert.False(t, ok)
		v, ok := c.Get("b")
		assert.True(t, ok)
		assert.Equal(t, "2", v)
		v, ok = c.Get("c")
		assert.True(t, ok)
		assert.Equal(t, "3", v)
	})

	t.Run("ties broken by least recent access", func(t *testing.T) {
		c, clock, _ := newTestCache(t, 2)
		c.Set("old", 1, nil)
		clock.Advance(time.Second)
		c.Set("new", 2, nil)
		clock.Advance(time.Second)
		_, ok := c.Get("old")
		require.True(t, ok)
		clock.Advance(time.Second)

		c.Set("third", 3, nil)

		_, ok = c.Get("new")
		assert.False(t, ok, "new was accessed least recently")
		_, ok = c.Get("old")
		assert.True(t, ok)
	})

	t.Run("overwrite at capacity does not evict", func(t *testing.T) {
		c, _, _ := newTestCache(t, 2)
		c.Set("a", 1, nil)
		c.Set("b", 2, nil)
		c.Set("a", 10, nil)

		assert.Equal(t, 2, c.Len())
		assert.Equal(t, 0, c.Stats().Evictions)
		v, _ := c.Get("a")
		assert.Equal(t, 10, v)
	})
}

// ============================================================================
// TTL
// ============================================================================

func TestCacheTTL(t *testing.T) {
	t.Run("expired entry is a miss and is removed", func(t *testing.T) {
		c, clock, _ := newTestCache(t, 10)
		c.Set("k", "v", &SetOptions{TTL: 100 * time.Millisecond})

		clock.Advance(50 * time.Millisecond)
		v, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", v)

		clock.Advance(100 * time.Millisecond)
		v, ok = c.Get("k")
		assert.False(t, ok)
		assert.Nil(t, v)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("default ttl applies", func(t *testing.T) {
		c, clock, _ := newTestCache(t, 10)
		c.Set("k", "v", nil)
		clock.Advance(5 * time.Minute)
		_, ok := c.Get("k")
		assert.True(t, ok)
		clock.Advance(time.Millisecond)
		_, ok = c.Get("k")
		assert.False(t, ok)
	})

	t.Run("cleanup sweeps unread entries", func(t *testing.T) {
		c, clock, _ := newTestCache(t, 10)
		c.Set("short1", 1, &SetOptions{TTL: time.Second})
		c.Set("short2", 2, &SetOptions{TTL: time.Second})
		c.Set("long", 3, &SetOptions{TTL: time.Hour})

		clock.Advance(2 * time.Second)
		assert.Equal(t, 2, c.Cleanup())
		assert.Equal(t, 1, c.Len())
		assert.Equal(t, 0, c.Cleanup())
	})
}

// ============================================================================
// Tags, delete, stats
// ============================================================================

func TestCacheInvalidateByTag(t *testing.T) {
	c, _, _ := newTestCache(t, 10)
	c.Set("o1", 1, &SetOptions{Tags: []string{"orders", "user:1"}})
	c.Set("o2", 2, &SetOptions{Tags: []string{"orders"}})
	c.Set("p1", 3, &SetOptions{Tags: []string{"products"}})

	assert.Equal(t, 2, c.InvalidateByTag("orders"))
	_, ok := c.Get("o1")
	assert.False(t, ok)
	_, ok = c.Get("p1")
	assert.True(t, ok)
	assert.Equal(t, 0, c.InvalidateByTag("orders"))
}

func TestCacheDelete(t *testing.T) {
	c, _, store := newTestCache(t, 10)
	c.Set("k", "v", &SetOptions{Persist: true})
	_, err := store.Get(context.Background(), "cache/k")
	require.NoError(t, err)

	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))

	_, err = store.Get(context.Background(), "cache/k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheStats(t *testing.T) {
	c, _, _ := newTestCache(t, 10)
	c.Set("a", 1, nil)
	c.Set("b", 2, nil)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 10, s.MaxSize)
	assert.Equal(t, 2, s.Hits)
	assert.Equal(t, 1, s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestCacheGetInto(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	c, _, _ := newTestCache(t, 10)
	c.Set("raw", json.RawMessage(`{"x":1,"y":2}`), nil)
	c.Set("struct", point{X: 3, Y: 4}, nil)

	var p point
	require.True(t, c.GetInto("raw", &p))
	assert.Equal(t, point{1, 2}, p)
	require.True(t, c.GetInto("struct", &p))
	assert.Equal(t, point{3, 4}, p)
	assert.False(t, c.GetInto("missing", &p))
}

// ============================================================================
// Persistence
// ============================================================================

func TestCachePersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("record layout", func(t *testing.T) {
		c, _, store := newTestCache(t, 10)
		c.Set("geo", map[string]any{"lat": 1.5}, &SetOptions{
			TTL:      time.Minute,
			Priority: PriorityHigh,
			Tags:     []string{"maps"},
			Persist:  true,
		})

		data, err := store.Get(ctx, "cache/geo")
		require.NoError(t, err)
		var rec map[string]any
		require.NoError(t, json.Unmarshal(data, &rec))
		assert.Equal(t, map[string]any{"lat": 1.5}, rec["value"])
		meta := rec["metadata"].(map[string]any)
		assert.Equal(t, float64(testEpoch.UnixMilli()), meta["timestamp"])
		assert.Equal(t, float64(60000), meta["ttl"])
		assert.Equal(t, "high", meta["priority"])
		assert.Equal(t, []any{"maps"}, meta["tags"])
		assert.Equal(t, true, meta["persist"])
	})

	t.Run("load restores live entries and drops expired", func(t *testing.T) {
		clock := NewManualClock(testEpoch)
		store := NewMemoryStore()
		c := NewCache(store, &CacheOptions{Clock: clock})
		c.Set("live", "v1", &SetOptions{TTL: time.Hour, Persist: true, Tags: []string{"t"}})
		c.Set("stale", "v2", &SetOptions{TTL: time.Second, Persist: true})
		c.Set("volatile", "v3", nil)

		clock.Advance(time.Minute)
		restored := NewCache(store, &CacheOptions{Clock: clock})
		n, err := restored.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		var s string
		require.True(t, restored.GetInto("live", &s))
		assert.Equal(t, "v1", s)
		_, ok := restored.Get("volatile")
		assert.False(t, ok)

		_, err = store.Get(ctx, "cache/stale")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, restored.InvalidateByTag("t"))
	})

	t.Run("volatile overwrite drops the persisted copy", func(t *testing.T) {
		c, clock, store := newTestCache(t, 10)
		c.Set("k", "old", &SetOptions{TTL: time.Hour, Persist: true})
		c.Set("k", "new", nil)

		_, err := store.Get(ctx, "cache/k")
		assert.ErrorIs(t, err, ErrNotFound)

		restored := NewCache(store, &CacheOptions{Clock: clock})
		n, err := restored.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		_, ok := restored.Get("k")
		assert.False(t, ok)

		v, _ := c.Get("k")
		assert.Equal(t, "new", v)
	})

	t.Run("failing store does not fail set", func(t *testing.T) {
		c := NewCache(failingStore{}, nil)
		c.Set("k", "v", &SetOptions{Persist: true})
		v, ok := c.Get("k")
		assert.True(t, ok)
		assert.Equal(t, "v", v)
	})
}

// failingStore rejects every operation.
type failingStore struct{}

var errStoreDown = fmt.Errorf("store unavailable")

func (failingStore) Get(context.Context, string) ([]byte, error)    { return nil, errStoreDown }
func (failingStore) Put(context.Context, string, []byte) error      { return errStoreDown }
func (failingStore) Delete(context.Context, string) error           { return errStoreDown }
func (failingStore) Keys(context.Context, string) ([]string, error) { return nil, errStoreDown }
