package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notipipe/internal/notification"
)

func batch(id string, notificationIDs ...string) notification.Batch {
	b := notification.Batch{BatchID: id}
	for _, n := range notificationIDs {
		b.Events = append(b.Events, notification.NewEngagement("u1", n, notification.EngagementDelivered, time.Unix(1_700_000_000, 0), nil))
	}
	return b
}

func TestMemoryIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, batch("b1", "a", "b")))
	// Retried batch after a lost ack.
	require.NoError(t, m.Send(ctx, batch("b1", "a", "b")))
	require.NoError(t, m.Send(ctx, batch("b2", "b", "c")))

	s := m.Summary()
	require.Equal(t, 3, s.Total)
	require.Equal(t, 3, s.ByType["delivered"])
	require.Equal(t, 3, s.Duplicates)
	require.Equal(t, 1, s.ByNotification["a"]["delivered"])
	require.Equal(t, 3, m.Batches())
}

func TestAccepted(t *testing.T) {
	require.Equal(t, 5, Accepted(nil, 5))
	require.Equal(t, 0, Accepted(errors.New("x"), 5))
	require.Equal(t, 2, Accepted(&PartialError{Accepted: 2, Err: errors.New("x")}, 5))
	require.Equal(t, 5, Accepted(&PartialError{Accepted: 9}, 5))
	require.True(t, IsPermanent(&PartialError{Accepted: 0, Err: Permanent(errors.New("x"))}))
	require.False(t, IsPermanent(errors.New("x")))
}

func TestHTTPSendStatuses(t *testing.T) {
	var (
		status  int
		body    string
		gotKey  string
		gotAuth string
		got     notification.Batch
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	s := NewHTTP(HTTPConfig{URL: srv.URL, Token: "tok"})
	require.NoError(t, s.Validate())
	ctx := context.Background()

	status, body = http.StatusOK, `{"accepted":2,"duplicates":0}`
	require.NoError(t, s.Send(ctx, batch("b1", "a", "b")))
	require.Equal(t, "b1", gotKey)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, got.Events, 2)
	require.Equal(t, "a:delivered", got.Events[0].CorrelationID)

	status, body = http.StatusOK, `{"acknowledged":1}`
	err := s.Send(ctx, batch("b2", "a", "b"))
	require.Equal(t, 1, Accepted(err, 2))

	status, body = http.StatusBadRequest, `bad`
	require.True(t, IsPermanent(s.Send(ctx, batch("b3", "a"))))

	status, body = http.StatusTooManyRequests, ``
	err = s.Send(ctx, batch("b4", "a"))
	require.False(t, IsPermanent(err))
	var ra RetryAfterError
	require.ErrorAs(t, err, &ra)
	require.Equal(t, 7*time.Second, ra.RetryAfter())

	status, body = http.StatusBadGateway, ``
	err = s.Send(ctx, batch("b5", "a"))
	require.Error(t, err)
	require.False(t, IsPermanent(err))
	require.Equal(t, 0, Accepted(err, 1))
}
