package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketConfig struct {
	URL    string
	Header http.Header
	// PingInterval is how often a ping is sent; the read deadline is twice
	// this. 0 means 30s.
	PingInterval time.Duration
	// MaxMessageBytes caps one inbound frame. 0 means 64 KiB.
	MaxMessageBytes int64
}

// WebSocketDialer connects to a websocket endpoint whose text frames each
// carry one JSON notification payload.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	d := *websocket.DefaultDialer
	return &WebSocketDialer{cfg: cfg, dialer: &d}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, d.cfg.Header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, Unrecoverable(fmt.Errorf("websocket handshake: %s: %w", resp.Status, err))
			}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(d.cfg.MaxMessageBytes)

	c := &wsConn{ws: ws, pingEvery: d.cfg.PingInterval, done: make(chan struct{})}
	_ = ws.SetReadDeadline(time.Now().Add(2 * c.pingEvery))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * c.pingEvery))
	})
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	pingEvery time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	// ReadMessage does not take a context; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		// Any frame proves liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingEvery))
		return data, nil
	}
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(c.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.wmu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}
