package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notipipe/internal/notification"
	logx "notipipe/pkg/logx"
)

func ev(id string) notification.EngagementEvent {
	return notification.NewEngagement("u1", id, notification.EngagementDelivered, time.UnixMilli(1_700_000_000_000), nil)
}

func openDriver(t *testing.T, driver, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "bogus"}, logx.Nop())
	require.Error(t, err)
}

func TestStoreOutboxOrderAndAck(t *testing.T) {
	for _, driver := range []string{"memory", "file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver, t.TempDir())
			defer st.Close()

			now := time.UnixMilli(1_700_000_000_000)
			recs, err := st.AppendOutbox(ctx, now, ev("a"), ev("b"), ev("c"))
			require.NoError(t, err)
			require.Len(t, recs, 3)
			require.Less(t, recs[0].Seq, recs[1].Seq)
			require.Less(t, recs[1].Seq, recs[2].Seq)

			head, err := st.PeekOutbox(ctx, 2)
			require.NoError(t, err)
			require.Len(t, head, 2)
			require.Equal(t, "a", head[0].Event.NotificationID)
			require.Equal(t, "b", head[1].Event.NotificationID)

			require.NoError(t, st.AckOutbox(ctx, head[0].Seq))
			stats, err := st.OutboxStats(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, stats.Len)
			require.True(t, stats.OldestAt.Equal(now))

			rest, err := st.PeekOutbox(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, []string{"b", "c"}, []string{rest[0].Event.NotificationID, rest[1].Event.NotificationID})

			n, err := st.PurgeOutbox(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, n)
			stats, err = st.OutboxStats(ctx)
			require.NoError(t, err)
			require.Zero(t, stats.Len)
		})
	}
}

func TestStoreFailuresNewestFirst(t *testing.T) {
	for _, driver := range []string{"memory", "file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver, t.TempDir())
			defer st.Close()

			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			require.NoError(t, st.AppendFailure(ctx, FailureRecord{At: at, BatchID: "b1", Attempts: 5, Error: "boom", CorrelationIDs: []string{"x:delivered"}}))
			require.NoError(t, st.AppendFailure(ctx, FailureRecord{At: at.Add(time.Second), BatchID: "b2", Attempts: 1, Permanent: true}))

			got, err := st.ListFailures(ctx, 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "b2", got[0].BatchID)
			require.True(t, got[0].Permanent)
			require.Equal(t, "b1", got[1].BatchID)
			require.Equal(t, []string{"x:delivered"}, got[1].CorrelationIDs)
			require.Equal(t, "boom", got[1].Error)
		})
	}
}

func TestStoreDedup(t *testing.T) {
	for _, driver := range []string{"memory", "file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver, t.TempDir())
			defer st.Close()

			now := time.Now()
			require.NoError(t, st.PutDedup(ctx, "live", now.Add(time.Hour)))
			require.NoError(t, st.PutDedup(ctx, "stale", now.Add(-time.Hour)))

			until, ok, err := st.GetDedup(ctx, "live")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, now.Add(time.Hour).UnixMilli(), until.UnixMilli())

			n, err := st.PruneDedup(ctx, now)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			_, ok, err = st.GetDedup(ctx, "stale")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestDurableStoresSurviveReopen(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			now := time.UnixMilli(1_700_000_000_000)

			st := openDriver(t, driver, dir)
			recs, err := st.AppendOutbox(ctx, now, ev("a"), ev("b"), ev("c"))
			require.NoError(t, err)
			require.NoError(t, st.AckOutbox(ctx, recs[0].Seq))
			require.NoError(t, st.PutDedup(ctx, "k", time.Now().Add(time.Hour)))
			require.NoError(t, st.Close())

			st = openDriver(t, driver, dir)
			defer st.Close()
			rest, err := st.PeekOutbox(ctx, 0)
			require.NoError(t, err)
			require.Len(t, rest, 2)
			require.Equal(t, "b", rest[0].Event.NotificationID)
			require.Equal(t, "c", rest[1].Event.NotificationID)

			more, err := st.AppendOutbox(ctx, now, ev("d"))
			require.NoError(t, err)
			require.Greater(t, more[0].Seq, rest[1].Seq)

			_, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestFileStoreCompactKeepsQueue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.UnixMilli(1_700_000_000_000)

	st := openDriver(t, "file", dir)
	recs, err := st.AppendOutbox(ctx, now, ev("a"), ev("b"))
	require.NoError(t, err)
	require.NoError(t, st.Compact(ctx))
	require.NoError(t, st.AckOutbox(ctx, recs[0].Seq))
	_, err = st.AppendOutbox(ctx, now, ev("c"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st = openDriver(t, "file", dir)
	defer st.Close()
	rest, err := st.PeekOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, "b", rest[0].Event.NotificationID)
	require.Equal(t, "c", rest[1].Event.NotificationID)
}

func TestDurable(t *testing.T) {
	require.True(t, Durable("file"))
	require.True(t, Durable("SQLite"))
	require.False(t, Durable("memory"))
	require.False(t, Durable(""))
}
