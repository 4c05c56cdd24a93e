package notify

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// WSPush streams alerts as JSON text frames over a websocket. The
// connection is dialed lazily and redialed once per send after a drop.
type WSPush struct {
	url string

	mu   sync.Mutex
	conn net.Conn
}

// NewWSPush builds the websocket channel for the given ws:// or wss:// URL.
func NewWSPush(url string) *WSPush {
	return &WSPush{url: url}
}

func (w *WSPush) Name() string { return "ws-push" }

// Close drops the connection.
func (w *WSPush) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

// Send writes one event frame, reconnecting once if the write fails on
// a connection that has gone stale since the last send.
func (w *WSPush) Send(ctx context.Context, event watch.ContentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return watch.NewDeliveryError(w.Name(), watch.DeliveryMalformed, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	reconnected := false
	if w.conn == nil {
		if err := w.dialLocked(ctx); err != nil {
			return watch.NewDeliveryError(w.Name(), watch.DeliveryUnreachable, err)
		}
		reconnected = true
	}

	if err := wsutil.WriteClientText(w.conn, payload); err != nil {
		_ = w.conn.Close()
		w.conn = nil
		if reconnected {
			return watch.NewDeliveryError(w.Name(), watch.DeliveryUnreachable, err)
		}
		// Stale connection; one fresh dial and retry.
		if err := w.dialLocked(ctx); err != nil {
			return watch.NewDeliveryError(w.Name(), watch.DeliveryUnreachable, err)
		}
		if err := wsutil.WriteClientText(w.conn, payload); err != nil {
			_ = w.conn.Close()
			w.conn = nil
			return watch.NewDeliveryError(w.Name(), watch.DeliveryUnreachable, err)
		}
	}
	return nil
}

func (w *WSPush) dialLocked(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, w.url)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}
