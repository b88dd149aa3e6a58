package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sofiatracker/syncengine/internal/model"
)

// pongWait is how long the subscription tolerates silence from the server.
// The server pings at a shorter interval.
const pongWait = 60 * time.Second

// Subscribe streams full-collection snapshots over a WebSocket. fn receives
// the collection once on connect and again after every write on the server.
// Dropped connections are re-established with exponential backoff. Subscribe
// blocks until ctx is cancelled and returns ctx.Err().
func (c *Client) Subscribe(ctx context.Context, fn func([]*model.RemoteEvent)) error {
	b := newBackOff()
	for {
		connected, err := c.subscribeOnce(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		delay := b.NextBackOff()
		c.logger.Warn("remote subscription dropped, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// subscribeOnce runs a single connection until it fails. connected reports
// whether the handshake succeeded.
func (c *Client) subscribeOnce(ctx context.Context, fn func([]*model.RemoteEvent)) (connected bool, err error) {
	u := *c.baseURL.JoinPath("/v1/events/subscribe")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial subscription: %w", err)
	}
	c.logger.Info("remote subscription connected", "url", u.String())

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var snapshot []*model.RemoteEvent
		if err := conn.ReadJSON(&snapshot); err != nil {
			return true, fmt.Errorf("read snapshot: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.logger.Debug("remote snapshot received", "documents", len(snapshot))
		fn(snapshot)
	}
}
