// Package offlinekit keeps an application usable on flaky networks and
// against rate-limited remote services.
//
// Covers a bounded cache, a durable offline action queue, a real-time sync
// channel with conflict detection and a rate-limited service gateway.
//
// Example:
//
//	store := offlinekit.NewMemoryStore()
//	cache := offlinekit.NewCache(store, nil)
//	gateway := offlinekit.NewGateway(cache, nil)
//	gateway.RegisterService("maps", offlinekit.ServiceConfig{BaseURL: "https://maps.example.com"})
//
//	queue := offlinekit.NewOfflineQueue(store, nil)
//	queue.RegisterProcessor("orders.create", createOrder)
//
//	channel := offlinekit.NewSyncChannel(store, &offlinekit.WebSocketDialer{Token: token}, nil)
//	layer := offlinekit.NewLayer(cache, gateway, queue, channel, &offlinekit.LayerOptions{
//		SyncURL: "wss://sync.example.com/ws",
//	})
//	layer.Start(ctx)
//	defer layer.Close()
//
//	// Writes are applied locally and sent, or queued while offline
//	res := layer.Write(ctx, "orders", offlinekit.OpCreate, order)
//
//	// Reads go through the cache first
//	res = layer.Read(ctx, "maps", "/geocode", &offlinekit.RequestOptions{UseCache: true})
package offlinekit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LayerOptions configures a Layer.
type LayerOptions struct {
	// SyncURL is dialed by Start and Foreground. Empty keeps the layer offline.
	SyncURL string
	Logger  *zap.Logger
}

// LayerStatus is a point-in-time view of every component.
type LayerStatus struct {
	Connection        ConnectionState `json:"connection"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	PendingActions    int             `json:"pendingActions"`
	PendingOutbound   int             `json:"pendingOutbound"`
	Draining          bool            `json:"draining"`
	Cache             CacheStats      `json:"cache"`
	Gateway           GatewayStats    `json:"gateway"`
	Services          []string        `json:"services"`
}

// dataUpdatePayload is the wire payload of an outbound data_update.
type dataUpdatePayload struct {
	Entity    string    `json:"entity"`
	Data      any       `json:"data"`
	Operation Operation `json:"operation"`
}

// ============================================================================
// Layer
// ============================================================================

// Layer wires the cache, gateway, offline queue and sync channel together.
// Reconnection drains the offline queue.
type Layer struct {
	cache   *Cache
	gateway *Gateway
	queue   *OfflineQueue
	channel *SyncChannel
	syncURL string
	log     *zap.Logger

	unsubscribe []func()
}

// NewLayer builds a layer over already constructed components.
func NewLayer(cache *Cache, gateway *Gateway, queue *OfflineQueue, channel *SyncChannel, opts *LayerOptions) *Layer {
	l := &Layer{
		cache:   cache,
		gateway: gateway,
		queue:   queue,
		channel: channel,
	}
	if opts != nil {
		l.syncURL = opts.SyncURL
		l.log = opts.Logger
	}
	l.log = nopIfNil(l.log)

	l.unsubscribe = append(l.unsubscribe,
		channel.Subscribe(EventConnected, func(string, any) {
			l.drain(context.Background())
		}),
		channel.Subscribe(EventConflict, func(_ string, payload any) {
			if c, ok := payload.(Conflict); ok {
				l.log.Warn("server update conflicts with local state",
					zap.String("entity", c.Entity),
					zap.Int64("local_modified", c.LocalModified),
					zap.Int64("server_timestamp", c.Timestamp))
			}
		}),
		channel.Subscribe(EventDataUpdate, func(_ string, payload any) {
			if ch, ok := payload.(EntityChange); ok {
				l.cache.InvalidateByTag(ch.Entity)
			}
		}),
		queue.Subscribe(EventActionFailed, func(_ string, payload any) {
			if f, ok := payload.(ActionFailure); ok {
				l.log.Error("pending action dropped",
					zap.String("id", f.Action.ID),
					zap.String("type", f.Action.Type),
					zap.String("error", f.Error))
			}
		}),
	)
	return l
}

func (l *Layer) Cache() *Cache { return l.cache }

func (l *Layer) Gateway() *Gateway { return l.gateway }

func (l *Layer) Queue() *OfflineQueue { return l.queue }

func (l *Layer) SyncChannel() *SyncChannel { return l.channel }

// Start restores persisted state and connects when a sync URL is set. A
// failed connection leaves the layer offline and is not an error.
func (l *Layer) Start(ctx context.Context) error {
	n, err := l.cache.Load(ctx)
	if err != nil {
		return err
	}
	if err := l.queue.Load(ctx); err != nil {
		return err
	}
	if err := l.channel.Load(ctx); err != nil {
		return err
	}
	l.log.Info("offline layer started",
		zap.Int("cache_entries", n),
		zap.Int("pending_actions", l.queue.Len()),
		zap.Int("pending_outbound", len(l.channel.PendingOutbound())))

	if l.syncURL == "" {
		return nil
	}
	if err := l.channel.Connect(ctx, l.syncURL); err != nil {
		l.log.Warn("starting offline", zap.Error(err))
	}
	return nil
}

// Close disconnects the sync channel and drops the layer's subscriptions.
func (l *Layer) Close() {
	for _, unsub := range l.unsubscribe {
		unsub()
	}
	l.unsubscribe = nil
	l.channel.Disconnect()
}

// Foreground is called when the application becomes active again. It
// reconnects a dropped channel, or drains the queue when already online.
func (l *Layer) Foreground(ctx context.Context) Result {
	switch l.channel.State() {
	case StateConnected:
		return l.Drain(ctx)
	case StateDisconnected, StateFailed:
		if l.syncURL == "" {
			return errResult(fmt.Errorf("foreground: %w: no sync URL configured", ErrNotConnected))
		}
		if err := l.channel.Connect(ctx, l.syncURL); err != nil {
			return errResult(err)
		}
		return okResult(l.Status())
	default:
		return okResult(l.Status())
	}
}

// ── Data flow ────────────────────────────────────────────

// Read requests endpoint through the gateway, cache first.
func (l *Layer) Read(ctx context.Context, service, endpoint string, opts *RequestOptions) Result {
	data, err := l.gateway.Request(ctx, service, endpoint, opts)
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			l.log.Info("read rate limited",
				zap.String("service", service), zap.Duration("retry_after", rl.RetryAfter))
		}
		return errResult(err)
	}
	return okResult(data)
}

// Write applies a mutation locally and pushes it to the sync channel. While
// offline the mutation is also queued as an "<entity>.<op>" action.
func (l *Layer) Write(ctx context.Context, entity string, op Operation, data any) Result {
	upd, err := l.channel.ApplyLocal(ctx, entity, op, data)
	if err != nil {
		return errResult(err)
	}
	l.cache.InvalidateByTag(entity)

	payload := dataUpdatePayload{Entity: entity, Data: data, Operation: op}
	msg, err := NewMessage(MessageDataUpdate, payload)
	if err != nil {
		return errResult(err)
	}
	msg.Timestamp = upd.Timestamp

	sent, err := l.channel.SendMessage(ctx, msg)
	if err != nil {
		return errResult(err)
	}
	if sent {
		return okResult(upd)
	}

	action, err := l.queue.AddPendingAction(ctx, entity+"."+string(op), payload)
	if err != nil {
		return errResult(err)
	}
	if err := l.queue.StoreOfflineData(ctx, action.ID, entity, data); err != nil {
		l.log.Warn("store offline data", zap.String("entity", entity), zap.Error(err))
	}
	return Result{OK: true, Queued: true, Data: action}
}

// Drain runs the offline queue now.
func (l *Layer) Drain(ctx context.Context) Result {
	res, err := l.drain(ctx)
	if err != nil {
		return errResult(err)
	}
	return okResult(res)
}

func (l *Layer) drain(ctx context.Context) (DrainResult, error) {
	res, err := l.queue.SyncPendingActions(ctx)
	if err != nil {
		l.log.Warn("offline queue drain interrupted", zap.Error(err))
		return res, err
	}
	if !res.Skipped && res.Processed > 0 {
		l.log.Info("offline queue drained",
			zap.Int("succeeded", res.Succeeded),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("remaining", res.Remaining))
	}
	return res, nil
}

// Status reports the state of every component.
func (l *Layer) Status() LayerStatus {
	return LayerStatus{
		Connection:        l.channel.State(),
		ReconnectAttempts: l.channel.ReconnectAttempts(),
		PendingActions:    l.queue.Len(),
		PendingOutbound:   len(l.channel.PendingOutbound()),
		Draining:          l.queue.Draining(),
		Cache:             l.cache.Stats(),
		Gateway:           l.gateway.Stats(),
		Services:          l.gateway.Services(),
	}
}
