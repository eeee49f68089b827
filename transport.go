package offlinekit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Conn is one open persistent channel. Read is only ever called from a
// single goroutine; Write calls are serialized by the caller.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens connections for a SyncChannel.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WebSocketDialer dials text-frame websockets. http(s) URLs are rewritten to
// ws(s). A non-zero HeartbeatInterval pings the peer and closes the
// connection when a pong does not arrive within HeartbeatTimeout.
type WebSocketDialer struct {
	Token             string
	HTTPClient        *http.Client
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReadLimit         int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	wsURL := strings.Replace(rawURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}

	c, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)

	hbCtx, cancel := context.WithCancel(context.Background())
	conn := &wsConn{c: c, cancel: cancel}
	if d.HeartbeatInterval > 0 {
		timeout := d.HeartbeatTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		go conn.heartbeatLoop(hbCtx, d.HeartbeatInterval, timeout)
	}
	return conn, nil
}

type wsConn struct {
	c      *websocket.Conn
	cancel context.CancelFunc
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	w.cancel()
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

func (w *wsConn) heartbeatLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := w.c.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					w.c.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
