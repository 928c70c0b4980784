package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	logx "notipipe/pkg/logx"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptDialer hands out connections (or errors) in order, then blocks.
type scriptDialer struct {
	mu    sync.Mutex
	steps []any // *fakeConn or error
	calls atomic.Int32
}

func (d *scriptDialer) Dial(ctx context.Context) (Conn, error) {
	d.calls.Add(1)
	d.mu.Lock()
	if len(d.steps) == 0 {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	d.mu.Unlock()
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*fakeConn), nil
}

func fastConfig() Config {
	return Config{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond, DialTimeout: time.Second}
}

func waitState(t *testing.T, ch <-chan Change, want State) Change {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.To == want {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func recv(t *testing.T, m *Manager) Message {
	t.Helper()
	select {
	case msg := <-m.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestManagerConnectsAndTagsEpoch(t *testing.T) {
	c1 := newFakeConn()
	m := New(fastConfig(), &scriptDialer{steps: []any{c1}}, logx.Nop())
	changes, unsub := m.Subscribe(32)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Equal(t, StateConnecting, waitState(t, changes, StateConnecting).To)
	ch := waitState(t, changes, StateConnected)
	require.Equal(t, uint64(1), ch.Epoch)

	c1.in <- []byte(`{"id":"a"}`)
	msg := recv(t, m)
	require.Equal(t, uint64(1), msg.Epoch)
	require.True(t, m.Accept(msg))

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, StateDisconnected, m.State())
}

func TestManagerDropsStaleEpoch(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	m := New(fastConfig(), &scriptDialer{steps: []any{c1, c2}}, logx.Nop())
	changes, unsub := m.Subscribe(32)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitState(t, changes, StateConnected)

	c1.in <- []byte("old")
	stale := recv(t, m)

	// Transport loss then reconnect on epoch 2.
	_ = c1.Close()
	require.Equal(t, StateDisconnected, waitState(t, changes, StateDisconnected).To)
	require.Equal(t, uint64(2), waitState(t, changes, StateConnected).Epoch)

	require.False(t, m.Accept(stale), "payload read on epoch 1 is discarded")
	c2.in <- []byte("new")
	require.True(t, m.Accept(recv(t, m)))
	require.Equal(t, uint64(1), m.Stats().Drops)
}

func TestManagerUnrecoverableMovesToError(t *testing.T) {
	c := newFakeConn()
	d := &scriptDialer{steps: []any{Unrecoverable(errors.New("401")), c}}
	m := New(fastConfig(), d, logx.Nop())
	changes, unsub := m.Subscribe(32)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	errCh := waitState(t, changes, StateError)
	require.True(t, IsUnrecoverable(errCh.Err))
	require.Equal(t, StateConnecting, waitState(t, changes, StateConnecting).To)
	waitState(t, changes, StateConnected)
}

func TestManagerReconnectSkipsBackoff(t *testing.T) {
	c := newFakeConn()
	d := &scriptDialer{steps: []any{errors.New("refused"), c}}
	cfg := fastConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffCap = time.Hour
	m := New(cfg, d, logx.Nop())
	changes, unsub := m.Subscribe(32)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitState(t, changes, StateDisconnected)
	// Without Reconnect the next dial is an hour away.
	m.Reconnect()
	waitState(t, changes, StateConnected)
	require.Equal(t, int32(2), d.calls.Load())
}

func TestWebSocketDialerReadsTextFrames(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ok" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("skip"))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"n1"}`))
		// Hold the socket until the client goes away.
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewWebSocketDialer(WebSocketConfig{URL: url}).Dial(ctx)
	require.Error(t, err)
	require.True(t, IsUnrecoverable(err))

	h := http.Header{}
	h.Set("Authorization", "Bearer ok")
	c, err := NewWebSocketDialer(WebSocketConfig{URL: url, Header: h}).Dial(ctx)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.Read(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"n1"}`, string(data))
}
