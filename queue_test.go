package offlinekit

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*OfflineQueue, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	q := NewOfflineQueue(store, &QueueOptions{Clock: NewManualClock(testEpoch)})
	return q, store
}

// recorder collects emitted events by name.
type recorder struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func (r *recorder) handler(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[string]any)
	}
	r.events = append(r.events, event)
	r.last[event] = payload
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) payload(event string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[event]
}

func listen(e interface {
	Subscribe(string, EventHandler) func()
}, events ...string) *recorder {
	r := &recorder{}
	for _, ev := range events {
		e.Subscribe(ev, r.handler)
	}
	return r
}

// ============================================================================
// Enqueue
// ============================================================================

func TestQueueAddPendingAction(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	rec := listen(q, EventActionQueued)

	a, err := q.AddPendingAction(ctx, "orders.create", map[string]any{"sku": "A1"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "orders.create", a.Type)
	assert.Equal(t, testEpoch, a.CreatedAt)
	assert.Equal(t, 0, a.RetryCount)
	assert.Equal(t, DefaultMaxRetries, a.MaxRetries)
	assert.JSONEq(t, `{"sku":"A1"}`, string(a.Payload))

	b, err := q.AddPendingAction(ctx, "orders.create", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	pending := q.GetPendingActions()
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID, "queue keeps enqueue order")
	assert.Equal(t, 2, rec.count(EventActionQueued))

	_, err = q.AddPendingAction(ctx, "", nil)
	assert.Error(t, err)

	var payload struct {
		SKU string `json:"sku"`
	}
	require.NoError(t, a.Decode(&payload))
	assert.Equal(t, "A1", payload.SKU)
}

// ============================================================================
// Drain
// ============================================================================

func TestQueueDrainSuccess(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	rec := listen(q, EventActionSynced, EventQueueSyncStart, EventQueueSyncComplete)

	var order []string
	q.RegisterProcessor("notes.create", func(ctx context.Context, a PendingAction) error {
		var p struct {
			N string `json:"n"`
		}
		require.NoError(t, a.Decode(&p))
		order = append(order, p.N)
		return nil
	})
	for _, n := range []string{"1", "2", "3"} {
		_, err := q.AddPendingAction(ctx, "notes.create", map[string]string{"n": n})
		require.NoError(t, err)
	}

	res, err := q.SyncPendingActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 3, Succeeded: 3}, res)
	assert.Equal(t, []string{"1", "2", "3"}, order)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, rec.count(EventActionSynced))
	assert.Equal(t, 3, rec.payload(EventQueueSyncStart))
	assert.Equal(t, res, rec.payload(EventQueueSyncComplete))
}

func TestQueueBoundedRetry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	rec := listen(q, EventActionRetry, EventActionFailed)

	attempts := 0
	q.RegisterProcessor("orders.create", func(ctx context.Context, a PendingAction) error {
		attempts++
		return errors.New("upstream down")
	})
	a, err := q.AddPendingAction(ctx, "orders.create", nil)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		res, err := q.SyncPendingActions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried)
		assert.Equal(t, 1, res.Remaining)
		pending := q.GetPendingActions()
		require.Len(t, pending, 1)
		assert.Equal(t, i, pending[0].RetryCount)
		assert.Equal(t, "upstream down", pending[0].LastError)
	}

	res, err := q.SyncPendingActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, attempts)

	assert.Equal(t, 2, rec.count(EventActionRetry))
	require.Equal(t, 1, rec.count(EventActionFailed))
	failure := rec.payload(EventActionFailed).(ActionFailure)
	assert.Equal(t, a.ID, failure.Action.ID)
	assert.Equal(t, 3, failure.Action.RetryCount)
	assert.True(t, failure.Permanent)

	res, err = q.SyncPendingActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "failed action is never processed again")
}

func TestQueueUnknownActionType(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	rec := listen(q, EventActionFailed)

	_, err := q.AddPendingAction(ctx, "mystery.op", nil)
	require.NoError(t, err)

	res, err := q.SyncPendingActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, q.Len())

	failure := rec.payload(EventActionFailed).(ActionFailure)
	assert.True(t, failure.Permanent)
	assert.ErrorIs(t, failure.Err, ErrUnknownActionType)
}

func TestQueueProcessorPanic(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	q.RegisterProcessor("boom", func(context.Context, PendingAction) error { panic("kaboom") })
	q.RegisterProcessor("fine", func(context.Context, PendingAction) error { return nil })

	_, err := q.AddPendingAction(ctx, "boom", nil)
	require.NoError(t, err)
	_, err = q.AddPendingAction(ctx, "fine", nil)
	require.NoError(t, err)

	res, err := q.SyncPendingActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Succeeded)

	pending := q.GetPendingActions()
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].LastError, "kaboom")
}

func TestQueueSingleFlight(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	q.RegisterProcessor("slow", func(context.Context, PendingAction) error {
		close(entered)
		<-release
		return nil
	})
	_, err := q.AddPendingAction(ctx, "slow", nil)
	require.NoError(t, err)

	done := make(chan DrainResult)
	go func() {
		res, _ := q.SyncPendingActions(ctx)
		done <- res
	}()
	<-entered

	assert.True(t, q.Draining())
	res, err := q.SyncPendingActions(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.False(t, q.Draining())
}

func TestQueueDrainCancelled(t *testing.T) {
	q, _ := newTestQueue(t)
	q.RegisterProcessor("x", func(context.Context, PendingAction) error { return nil })
	_, err := q.AddPendingAction(context.Background(), "x", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := q.SyncPendingActions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Remaining)
}

func TestQueueDrainCancelledMidPass(t *testing.T) {
	q, store := newTestQueue(t)
	rec := listen(q, EventQueueSyncComplete)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.RegisterProcessor("x", func(context.Context, PendingAction) error {
		cancel()
		return errors.New("offline")
	})
	for i := 0; i < 2; i++ {
		_, err := q.AddPendingAction(context.Background(), "x", nil)
		require.NoError(t, err)
	}

	res, err := q.SyncPendingActions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, 1, rec.count(EventQueueSyncComplete))

	restored := NewOfflineQueue(store, nil)
	require.NoError(t, restored.Load(context.Background()))
	pending := restored.GetPendingActions()
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].RetryCount, "partial pass is persisted")
	assert.Equal(t, "offline", pending[0].LastError)
	assert.Equal(t, 0, pending[1].RetryCount)
}

// ============================================================================
// Offline data and persistence
// ============================================================================

func TestQueueOfflineData(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	q.RegisterProcessor("orders.create", func(context.Context, PendingAction) error { return nil })

	a, err := q.AddPendingAction(ctx, "orders.create", nil)
	require.NoError(t, err)
	require.NoError(t, q.StoreOfflineData(ctx, a.ID, "orders", map[string]int{"id": 7}))
	require.NoError(t, q.StoreOfflineData(ctx, "other", "products", map[string]int{"id": 8}))

	orders := q.OfflineData("orders")
	require.Len(t, orders, 1)
	assert.JSONEq(t, `{"id":7}`, string(orders[0].Data))
	assert.Len(t, q.OfflineData(""), 2)

	_, err = q.SyncPendingActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.OfflineData("orders"), "synced action drops its optimistic copy")
	assert.Len(t, q.OfflineData("products"), 1)

	q.ClearPendingActions(ctx)
	assert.Empty(t, q.OfflineData(""))
}

func TestQueuePersistence(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	a, err := q.AddPendingAction(ctx, "orders.create", map[string]string{"sku": "A1"})
	require.NoError(t, err)
	require.NoError(t, q.StoreOfflineData(ctx, a.ID, "orders", map[string]string{"sku": "A1"}))

	data, err := store.Get(ctx, queueKey)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "pendingActions")
	assert.Contains(t, doc, "offlineData")
	assert.Equal(t, strconv.FormatInt(testEpoch.UnixMilli(), 10), string(doc["timestamp"]))

	restored := NewOfflineQueue(store, &QueueOptions{Clock: NewManualClock(testEpoch.Add(time.Hour))})
	require.NoError(t, restored.Load(ctx))
	pending := restored.GetPendingActions()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, a.Type, pending[0].Type)
	assert.Len(t, restored.OfflineData("orders"), 1)

	t.Run("missing max retries gets the default", func(t *testing.T) {
		legacy := NewMemoryStore()
		require.NoError(t, legacy.Put(ctx, queueKey, []byte(`{"pendingActions":[{"id":"a1","type":"x","retryCount":0}],"offlineData":[],"timestamp":1}`)))
		lq := NewOfflineQueue(legacy, &QueueOptions{Clock: NewManualClock(testEpoch)})
		require.NoError(t, lq.Load(ctx))
		pending := lq.GetPendingActions()
		require.Len(t, pending, 1)
		assert.Equal(t, DefaultMaxRetries, pending[0].MaxRetries)

		lq.RegisterProcessor("x", func(context.Context, PendingAction) error { return errors.New("down") })
		res, err := lq.SyncPendingActions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried, "first failure is not final")
		assert.Equal(t, 1, lq.Len())
	})

	t.Run("empty store loads nothing", func(t *testing.T) {
		fresh := NewOfflineQueue(NewMemoryStore(), nil)
		require.NoError(t, fresh.Load(ctx))
		assert.Equal(t, 0, fresh.Len())
	})

	t.Run("store failures do not block enqueue", func(t *testing.T) {
		broken := NewOfflineQueue(failingStore{}, nil)
		_, err := broken.AddPendingAction(ctx, "x", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, broken.Len())
		assert.Error(t, broken.Load(ctx))
	})
}
