package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notipipe/internal/notification"
	"notipipe/internal/sink"
	logx "notipipe/pkg/logx"
)

func batch(id string, evs ...notification.EngagementEvent) notification.Batch {
	return notification.Batch{BatchID: id, Events: evs}
}

func ev(notificationID string, typ notification.EngagementType) notification.EngagementEvent {
	return notification.NewEngagement("u1", notificationID, typ, time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC), nil)
}

func post(t *testing.T, h http.Handler, b any, token string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/engagement", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestIngestIsIdempotent(t *testing.T) {
	h := New(Config{}, NewMemoryStore(), logx.Nop()).Handler()

	b := batch("b1", ev("n1", notification.EngagementDelivered), ev("n1", notification.EngagementClicked))
	rec := post(t, h, b, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, Result{Accepted: 2}, decode[Result](t, rec))

	// A replay of the same batch plus one new event.
	b.Events = append(b.Events, ev("n2", notification.EngagementDelivered))
	rec = post(t, h, b, "")
	require.Equal(t, Result{Accepted: 1, Duplicates: 2}, decode[Result](t, rec))

	req := httptest.NewRequest(http.MethodGet, "/v1/engagement/summary", nil)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	sum := decode[sink.Summary](t, out)
	require.Equal(t, 3, sum.Total)
	require.Equal(t, 2, sum.Duplicates)
	require.Equal(t, 2, sum.ByType["delivered"])
	require.Equal(t, map[string]int{"delivered": 1, "clicked": 1}, sum.ByNotification["n1"])
}

func TestIngestRejectsMalformed(t *testing.T) {
	h := New(Config{}, NewMemoryStore(), logx.Nop()).Handler()

	require.Equal(t, http.StatusBadRequest, post(t, h, map[string]any{"nope": 1}, "").Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, map[string]any{
		"batch": []map[string]any{{"notificationId": "", "eventType": "opened"}},
	}, "").Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, map[string]any{
		"batch": []map[string]any{{"notificationId": "n1", "eventType": "liked"}},
	}, "").Code)
}

func TestIngestFillsDefaults(t *testing.T) {
	st := NewMemoryStore()
	h := New(Config{}, st, logx.Nop()).Handler()
	rec := post(t, h, map[string]any{
		"batch": []map[string]any{{"notificationId": "n9", "eventType": "opened"}},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The defaulted correlation ID makes the full form a duplicate.
	res, err := st.Insert(context.Background(), "", []notification.EngagementEvent{ev("n9", notification.EngagementOpened)})
	require.NoError(t, err)
	require.Equal(t, Result{Duplicates: 1}, res)
}

func TestTokenRequired(t *testing.T) {
	h := New(Config{Token: "t0k"}, NewMemoryStore(), logx.Nop()).Handler()
	b := batch("b1", ev("n1", notification.EngagementDelivered))
	require.Equal(t, http.StatusUnauthorized, post(t, h, b, "").Code)
	require.Equal(t, http.StatusUnauthorized, post(t, h, b, "bad").Code)
	require.Equal(t, http.StatusOK, post(t, h, b, "t0k").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := New(Config{AllowedOrigins: []string{"https://app.example.com"}}, NewMemoryStore(), logx.Nop()).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/v1/engagement", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPSinkAgainstCollector(t *testing.T) {
	srv := httptest.NewServer(New(Config{Token: "t0k"}, NewMemoryStore(), logx.Nop()).Handler())
	defer srv.Close()

	sk := sink.NewHTTP(sink.HTTPConfig{URL: srv.URL + "/v1/engagement", Token: "t0k", Client: srv.Client()})
	b := batch("b1", ev("n1", notification.EngagementDelivered))
	require.NoError(t, sk.Send(context.Background(), b))
	require.NoError(t, sk.Send(context.Background(), b))

	bad := sink.NewHTTP(sink.HTTPConfig{URL: srv.URL + "/v1/engagement", Client: srv.Client()})
	err := bad.Send(context.Background(), b)
	require.Error(t, err)
	require.True(t, sink.IsPermanent(err))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("NOTIPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NOTIPIPE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, "postgres", dsn)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(ctx))

	id := "pgtest-" + time.Now().Format("150405.000000000")
	evs := []notification.EngagementEvent{ev(id, notification.EngagementDelivered), ev(id, notification.EngagementOpened)}
	res, err := st.Insert(ctx, "b-"+id, evs)
	require.NoError(t, err)
	require.Equal(t, Result{Accepted: 2}, res)

	res, err = st.Insert(ctx, "b-"+id, evs)
	require.NoError(t, err)
	require.Equal(t, Result{Duplicates: 2}, res)

	sum, err := st.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"delivered": 1, "opened": 1}, sum.ByNotification[id])
}

func TestOpenUnknownStore(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "")
	require.ErrorIs(t, err, ErrUnknownStore)
}
