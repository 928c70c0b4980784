package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	logx "notipipe/pkg/logx"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "notipipe_test_total", Help: "test"})
	c.Add(3)
	reg.MustRegister(c)
	return reg
}

func get(t *testing.T, h http.Handler, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	s := New(Config{}, newRegistry(), func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"conn": "connected"}, nil
	}, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "notipipe_test_total 3")

	rec = get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","conn":"connected"}`, rec.Body.String())

	rec = get(t, h, "/debug/pprof/", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthDegraded(t *testing.T) {
	s := New(Config{}, newRegistry(), func(ctx context.Context) (map[string]any, error) {
		return nil, errors.New("outbox backlog")
	}, logx.Nop())
	rec := get(t, s.Handler(Config{}), "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "outbox backlog")
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{}, newRegistry(), nil, logx.Nop())
	h := s.Handler(Config{Token: "sekret", Pprof: true})

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "wrong").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/metrics", "sekret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=sekret", "").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "sekret").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	require.True(t, isLoopbackAddr("127.0.0.1:9090"))
	require.True(t, isLoopbackAddr("localhost:9090"))
	require.True(t, isLoopbackAddr("[::1]:9090"))
	require.False(t, isLoopbackAddr(":9090"))
	require.False(t, isLoopbackAddr("0.0.0.0:9090"))
	require.False(t, isLoopbackAddr("nonsense"))
}

func waitAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not bind")
	return ""
}

func TestReconfigureStartsAndStops(t *testing.T) {
	s := New(Config{}, newRegistry(), nil, logx.Nop())
	ctx := context.Background()
	t.Cleanup(func() { s.Stop(ctx) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitAddr(t, s)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "notipipe_test_total")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	require.Empty(t, s.Addr())
	require.False(t, s.Enabled())
}
