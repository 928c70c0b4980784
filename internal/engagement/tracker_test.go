package engagement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"notipipe/internal/notification"
	"notipipe/internal/outbox"
	"notipipe/internal/sink"
	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

// fakeOutbox records what the tracker hands it and acknowledges every
// submitted event.
type fakeOutbox struct {
	mu        sync.Mutex
	submitted [][]notification.EngagementEvent
	enqueued  []notification.EngagementEvent
	flushes   int
}

func (f *fakeOutbox) Enqueue(ctx context.Context, events ...notification.EngagementEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, events...)
	return nil
}

func (f *fakeOutbox) Submit(ctx context.Context, events ...notification.EngagementEvent) outbox.FlushReport {
	if len(events) == 0 {
		return f.Flush(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, events)
	return outbox.FlushReport{Sent: len(events)}
}

func (f *fakeOutbox) Flush(ctx context.Context) outbox.FlushReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	n := len(f.enqueued)
	f.enqueued = nil
	return outbox.FlushReport{Sent: n}
}

func (f *fakeOutbox) Len(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued), nil
}

func online() func() bool { return func() bool { return true } }

func newTracker(cfg Config, out Outbox, connected func() bool) (*Tracker, *time.Time) {
	tr := New(cfg, out, connected, logx.Nop())
	now := time.Unix(1_700_000_000, 0)
	tr.SetClock(func() time.Time { return now })
	return tr, &now
}

func TestSizeTriggerFlushesExactlyOnce(t *testing.T) {
	out := &fakeOutbox{}
	tr, _ := newTracker(Config{BatchSize: 10, UserID: "u1"}, out, online())
	ctx := context.Background()

	for i := range 10 {
		require.NoError(t, tr.Record(ctx, notification.EngagementDelivered, string(rune('a'+i)), nil))
	}
	require.Len(t, out.submitted, 1)
	require.Len(t, out.submitted[0], 10)
	require.Equal(t, "a:delivered", out.submitted[0][0].CorrelationID)
	require.Equal(t, "u1", out.submitted[0][0].UserID)

	require.NoError(t, tr.Record(ctx, notification.EngagementDelivered, "k", nil))
	require.Len(t, out.submitted, 1)
	require.Equal(t, 1, tr.Pending())
}

func TestIntervalTriggerFromOldestEvent(t *testing.T) {
	out := &fakeOutbox{}
	tr, now := newTracker(Config{BatchSize: 10, BatchInterval: 5 * time.Second}, out, online())
	ctx := context.Background()
	t0 := *now

	require.NoError(t, tr.Record(ctx, notification.EngagementDelivered, "n1", nil))
	*now = t0.Add(3 * time.Second)
	require.NoError(t, tr.Record(ctx, notification.EngagementOpened, "n1", nil))

	due, ok := tr.NextDeadline()
	require.True(t, ok)
	require.Equal(t, t0.Add(5*time.Second), due)

	require.False(t, tr.Tick(ctx, t0.Add(4999*time.Millisecond)))
	require.Empty(t, out.submitted)

	require.True(t, tr.Tick(ctx, t0.Add(5*time.Second)))
	require.Len(t, out.submitted, 1)
	require.Len(t, out.submitted[0], 2)

	_, ok = tr.NextDeadline()
	require.False(t, ok)
}

func TestOfflineBatchesGoToOutbox(t *testing.T) {
	out := &fakeOutbox{}
	var up atomic.Bool
	tr, _ := newTracker(Config{BatchSize: 2}, out, up.Load)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, notification.EngagementDelivered, "n1", nil))
	require.NoError(t, tr.Record(ctx, notification.EngagementDelivered, "n2", nil))
	require.Empty(t, out.submitted)
	require.Len(t, out.enqueued, 2)

	s := tr.Stats()
	require.EqualValues(t, 2, s.Queued)
	require.Zero(t, s.Sent)

	up.Store(true)
	res := tr.Drain(ctx)
	require.True(t, res.Direct)
	require.Equal(t, 2, res.Report.Sent)

	s = tr.Stats()
	require.Zero(t, s.Queued)
	require.EqualValues(t, 2, s.Sent)
	require.EqualValues(t, 1, s.Batches)
	require.InDelta(t, 2.0, s.AvgBatchSize, 0.001)
}

func TestDuplicateTransitionWhilePending(t *testing.T) {
	out := &fakeOutbox{}
	tr, _ := newTracker(Config{}, out, online())
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, notification.EngagementOpened, "n1", nil))
	require.NoError(t, tr.Record(ctx, notification.EngagementOpened, "n1", nil))
	require.Equal(t, 1, tr.Pending())
	require.EqualValues(t, 1, tr.Stats().Duplicates)
	require.ErrorIs(t, tr.Record(ctx, notification.EngagementOpened, "", nil), ErrNoNotificationID)
}

func TestParkNeverSends(t *testing.T) {
	out := &fakeOutbox{}
	tr, _ := newTracker(Config{}, out, online())
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, notification.EngagementDismissed, "n1", map[string]string{"reason": "user"}))
	res := tr.Park(ctx)
	require.False(t, res.Direct)
	require.Empty(t, out.submitted)
	require.Len(t, out.enqueued, 1)
	require.Equal(t, "user", out.enqueued[0].Metadata["reason"])
}

func TestObserverAndCollector(t *testing.T) {
	out := &fakeOutbox{}
	tr, _ := newTracker(Config{BatchSize: 1}, out, online())
	var got []FlushResult
	tr.SetObserver(func(r FlushResult) { got = append(got, r) })

	require.NoError(t, tr.Record(context.Background(), notification.EngagementClicked, "n1", nil))
	require.Len(t, got, 1)
	require.Equal(t, TriggerSize, got[0].Trigger)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(tr)))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var sent float64
	for _, mf := range mfs {
		if mf.GetName() == "notipipe_engagement_sent_total" {
			sent = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.InDelta(t, 1.0, sent, 0.001)
}

func TestReplayThroughRealOutbox(t *testing.T) {
	ctx := context.Background()
	mem := sink.NewMemory()
	var failing atomic.Bool
	failing.Store(true)
	sk := sink.Func(func(ctx context.Context, b notification.Batch) error {
		if failing.Load() {
			return errors.New("collector down")
		}
		return mem.Send(ctx, b)
	})

	q := outbox.New(outbox.Config{BatchSize: 10, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, storage.NewMemory(), sk, logx.Nop())
	var up atomic.Bool
	tr := New(Config{BatchSize: 3}, q, up.Load, logx.Nop())

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, tr.Record(ctx, notification.EngagementDelivered, id, nil))
	}
	require.Zero(t, mem.Summary().Total)

	// First replay fails, the second goes through in order.
	up.Store(true)
	res := tr.Drain(ctx)
	require.Error(t, res.Err)
	failing.Store(false)
	time.Sleep(5 * time.Millisecond)
	res = tr.Drain(ctx)
	require.NoError(t, res.Err)

	events := mem.Events()
	require.Len(t, events, 3)
	require.Equal(t, "A", events[0].NotificationID)
	require.Equal(t, "C", events[2].NotificationID)
	require.Zero(t, tr.Stats().Queued)
}
