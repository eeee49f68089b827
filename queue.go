package offlinekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of attempts a pending action gets.
const DefaultMaxRetries = 3

// Queue events.
const (
	EventActionQueued      = "action.queued"
	EventActionSynced      = "action.synced"
	EventActionRetry       = "action.retry"
	EventActionFailed      = "action.failed"
	EventQueueSyncStart    = "queue.sync_start"
	EventQueueSyncComplete = "queue.sync_complete"
)

// ============================================================================
// Types
// ============================================================================

// PendingAction is a mutation recorded while offline.
type PendingAction struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	LastError  string          `json:"lastError,omitempty"`
}

// Decode unmarshals the payload into v.
func (a PendingAction) Decode(v any) error {
	if a.Payload == nil {
		return nil
	}
	return json.Unmarshal(a.Payload, v)
}

// Processor replays one action against the remote system. A returned error
// counts as a failed attempt.
type Processor func(ctx context.Context, action PendingAction) error

// OfflineRecord is an optimistic local copy of data written while offline.
type OfflineRecord struct {
	ActionID  string          `json:"actionId"`
	Entity    string          `json:"entity"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ActionFailure is the payload of EventActionFailed and EventActionRetry.
type ActionFailure struct {
	Action    PendingAction `json:"action"`
	Error     string        `json:"error"`
	Permanent bool          `json:"permanent"`
	Err       error         `json:"-"`
}

// DrainResult summarizes one SyncPendingActions pass.
type DrainResult struct {
	Skipped   bool `json:"skipped"`
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
}

// QueueOptions configures an OfflineQueue.
type QueueOptions struct {
	Clock  Clock
	Logger *zap.Logger
}

type queueDocument struct {
	PendingActions []PendingAction `json:"pendingActions"`
	OfflineData    []OfflineRecord `json:"offlineData"`
	Timestamp      int64           `json:"timestamp"`
}

// ============================================================================
// OfflineQueue
// ============================================================================

// OfflineQueue is a durable FIFO of pending actions drained through
// per-type processors with bounded retry.
type OfflineQueue struct {
	*emitter
	store KeyValueStore
	clock Clock
	log   *zap.Logger

	mu         sync.Mutex
	processors map[string]Processor
	actions    []PendingAction
	offline    []OfflineRecord
	draining   bool
}

// NewOfflineQueue creates an empty queue. Call Load to restore persisted state.
func NewOfflineQueue(store KeyValueStore, opts *QueueOptions) *OfflineQueue {
	q := &OfflineQueue{
		store:      store,
		processors: make(map[string]Processor),
	}
	if opts != nil {
		q.clock = opts.Clock
		q.log = opts.Logger
	}
	if q.clock == nil {
		q.clock = SystemClock{}
	}
	q.log = nopIfNil(q.log)
	q.emitter = newEmitter(q.log)
	return q
}

// RegisterProcessor sets the processor for actionType, e.g. "orders.create".
func (q *OfflineQueue) RegisterProcessor(actionType string, p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[actionType] = p
}

// AddPendingAction appends an action and persists the queue.
func (q *OfflineQueue) AddPendingAction(ctx context.Context, actionType string, payload any) (PendingAction, error) {
	if actionType == "" {
		return PendingAction{}, errors.New("action type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingAction{}, fmt.Errorf("marshal action payload: %w", err)
	}
	a := PendingAction{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    raw,
		CreatedAt:  q.clock.Now(),
		MaxRetries: DefaultMaxRetries,
	}

	q.mu.Lock()
	q.actions = append(q.actions, a)
	q.mu.Unlock()

	q.save(ctx)
	q.emit(EventActionQueued, a)
	return a, nil
}

// StoreOfflineData keeps an optimistic copy of data tied to actionID.
func (q *OfflineQueue) StoreOfflineData(ctx context.Context, actionID, entity string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal offline data: %w", err)
	}
	q.mu.Lock()
	q.offline = append(q.offline, OfflineRecord{
		ActionID:  actionID,
		Entity:    entity,
		Data:      raw,
		CreatedAt: q.clock.Now(),
	})
	q.mu.Unlock()
	q.save(ctx)
	return nil
}

// OfflineData returns the optimistic records for entity, or all when entity is empty.
func (q *OfflineQueue) OfflineData(entity string) []OfflineRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []OfflineRecord
	for _, r := range q.offline {
		if entity == "" || r.Entity == entity {
			out = append(out, r)
		}
	}
	return out
}

// GetPendingActions returns a copy of the queue in order.
func (q *OfflineQueue) GetPendingActions() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingAction(nil), q.actions...)
}

// Len returns the number of pending actions.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// ClearPendingActions drops every pending action and offline record.
func (q *OfflineQueue) ClearPendingActions(ctx context.Context) {
	q.mu.Lock()
	dropped := len(q.actions)
	q.actions = nil
	q.offline = nil
	q.mu.Unlock()
	q.save(ctx)
	q.log.Info("pending actions cleared", zap.Int("dropped", dropped))
}

// Draining reports whether a drain is in progress.
func (q *OfflineQueue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// ── Drain ────────────────────────────────────────────────

// SyncPendingActions processes a snapshot of the queue in order. Only one
// drain runs at a time; an overlapping call returns a Skipped result.
func (q *OfflineQueue) SyncPendingActions(ctx context.Context) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	q.draining = true
	snapshot := append([]PendingAction(nil), q.actions...)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	q.emit(EventQueueSyncStart, len(snapshot))

	var res DrainResult
	for _, a := range snapshot {
		if err := ctx.Err(); err != nil {
			// keep what this partial pass changed
			q.save(ctx)
			res.Remaining = q.Len()
			q.emit(EventQueueSyncComplete, res)
			return res, err
		}
		res.Processed++

		proc := q.processor(a.Type)
		if proc == nil {
			err := fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
			q.log.Error("no processor for pending action, dropping it",
				zap.String("id", a.ID), zap.String("type", a.Type))
			q.remove(a.ID)
			res.Failed++
			q.emit(EventActionFailed, ActionFailure{Action: a, Error: err.Error(), Permanent: true, Err: err})
			continue
		}

		if err := q.run(ctx, proc, a); err != nil {
			updated, exhausted, ok := q.recordFailure(a.ID, err)
			if !ok {
				continue
			}
			if exhausted {
				res.Failed++
				q.log.Warn("pending action exhausted its retries",
					zap.String("id", a.ID), zap.String("type", a.Type), zap.Error(err))
				q.emit(EventActionFailed, ActionFailure{Action: updated, Error: err.Error(), Permanent: true, Err: err})
			} else {
				res.Retried++
				q.emit(EventActionRetry, ActionFailure{Action: updated, Error: err.Error(), Err: err})
			}
			continue
		}

		q.remove(a.ID)
		res.Succeeded++
		q.emit(EventActionSynced, a)
	}

	q.save(ctx)
	res.Remaining = q.Len()
	q.emit(EventQueueSyncComplete, res)
	return res, nil
}

// run calls the processor, turning a panic into an ordinary failure.
func (q *OfflineQueue) run(ctx context.Context, proc Processor, a PendingAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor for %q panicked: %v", a.Type, r)
		}
	}()
	return proc(ctx, a)
}

func (q *OfflineQueue) processor(actionType string) Processor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processors[actionType]
}

// recordFailure bumps the retry count of the live action with id. An action
// that reached MaxRetries is removed. ok is false if the action is gone.
func (q *OfflineQueue) recordFailure(id string, cause error) (updated PendingAction, exhausted, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID != id {
			continue
		}
		q.actions[i].RetryCount++
		q.actions[i].LastError = cause.Error()
		updated = q.actions[i]
		if updated.RetryCount >= updated.MaxRetries {
			q.removeLocked(id)
			return updated, true, true
		}
		return updated, false, true
	}
	return PendingAction{}, false, false
}

func (q *OfflineQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
}

func (q *OfflineQueue) removeLocked(id string) {
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			break
		}
	}
	kept := q.offline[:0]
	for _, r := range q.offline {
		if r.ActionID != id {
			kept = append(kept, r)
		}
	}
	q.offline = kept
}

// ── Persistence ──────────────────────────────────────────

// Load replaces the in-memory queue with the persisted document, if any.
func (q *OfflineQueue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	var doc queueDocument
	found, err := getJSON(ctx, q.store, queueKey, &doc)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	if !found {
		return nil
	}
	for i := range doc.PendingActions {
		if doc.PendingActions[i].MaxRetries <= 0 {
			doc.PendingActions[i].MaxRetries = DefaultMaxRetries
		}
	}
	q.mu.Lock()
	q.actions = doc.PendingActions
	q.offline = doc.OfflineData
	q.mu.Unlock()
	q.log.Info("offline queue restored", zap.Int("pending", len(doc.PendingActions)))
	return nil
}

// save writes the queue document. Failures are logged only.
func (q *OfflineQueue) save(ctx context.Context) {
	if q.store == nil {
		return
	}
	q.mu.Lock()
	doc := queueDocument{
		PendingActions: append([]PendingAction{}, q.actions...),
		OfflineData:    append([]OfflineRecord{}, q.offline...),
		Timestamp:      q.clock.Now().UnixMilli(),
	}
	q.mu.Unlock()
	if err := putJSON(context.WithoutCancel(ctx), q.store, queueKey, doc); err != nil {
		q.log.Warn("offline queue persistence failed", zap.Error(err))
	}
}
