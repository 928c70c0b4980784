package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notipipe/internal/notification"
	"notipipe/internal/sink"
	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedSink records every call and answers from a script; once the
// script runs out every call succeeds.
type scriptedSink struct {
	mu      sync.Mutex
	calls   [][]string
	answers []error
}

func (s *scriptedSink) Send(ctx context.Context, b notification.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(b.Events))
	for i, e := range b.Events {
		ids[i] = e.NotificationID
	}
	s.calls = append(s.calls, ids)
	if len(s.answers) == 0 {
		return nil
	}
	err := s.answers[0]
	s.answers = s.answers[1:]
	return err
}

func ev(id string) notification.EngagementEvent {
	return notification.NewEngagement("u1", id, notification.EngagementDelivered, time.Unix(1_700_000_000, 0), nil)
}

func newQueue(t *testing.T, cfg Config, sk sink.Sink) (*Queue, *clock, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	q := New(cfg, st, sk, logx.Nop())
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	q.SetClock(clk.now)
	return q, clk, st
}

func TestFlushReplaysFIFOAfterOneRetry(t *testing.T) {
	sk := &scriptedSink{answers: []error{errors.New("collector down")}}
	q, clk, _ := newQueue(t, Config{BatchSize: 10, BackoffBase: time.Second, BackoffCap: 2 * time.Second}, sk)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev("A"), ev("B"), ev("C")))

	rep := q.Flush(ctx)
	require.Error(t, rep.Err)
	require.Zero(t, rep.Sent)
	require.Equal(t, 3, rep.Remaining)
	require.False(t, rep.RetryAt.IsZero())

	// Backoff has not elapsed yet.
	rep = q.Flush(ctx)
	require.True(t, rep.Skipped)
	require.Len(t, sk.calls, 1)

	clk.advance(3 * time.Second)
	rep = q.Flush(ctx)
	require.NoError(t, rep.Err)
	require.Equal(t, 3, rep.Sent)
	require.Zero(t, rep.Remaining)
	require.Equal(t, [][]string{{"A", "B", "C"}, {"A", "B", "C"}}, sk.calls)
}

func TestFlushKeepsFailedSuffixInOrder(t *testing.T) {
	sk := &scriptedSink{answers: []error{&sink.PartialError{Accepted: 1, Err: errors.New("timeout")}}}
	q, clk, _ := newQueue(t, Config{BatchSize: 10, BackoffBase: time.Second, BackoffCap: time.Second}, sk)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev("A"), ev("B"), ev("C")))
	rep := q.Flush(ctx)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, 2, rep.Remaining)

	clk.advance(2 * time.Second)
	rep = q.Flush(ctx)
	require.Equal(t, 2, rep.Sent)
	require.Equal(t, [][]string{{"A", "B", "C"}, {"B", "C"}}, sk.calls)
}

func TestFlushBatchesBySize(t *testing.T) {
	sk := &scriptedSink{}
	q, _, _ := newQueue(t, Config{BatchSize: 2}, sk)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev("A"), ev("B"), ev("C"), ev("D"), ev("E")))
	rep := q.Flush(ctx)
	require.Equal(t, 5, rep.Sent)
	require.Equal(t, 3, rep.Batches)
	require.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, sk.calls)
}

func TestHeadBatchDroppedAfterMaxRetries(t *testing.T) {
	fail := errors.New("collector down")
	sk := &scriptedSink{answers: []error{fail, fail, fail}}
	q, clk, st := newQueue(t, Config{BatchSize: 2, MaxRetries: 3, BackoffBase: time.Second, BackoffCap: time.Second}, sk)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev("A"), ev("B"), ev("C"), ev("D")))

	q.Flush(ctx)
	clk.advance(2 * time.Second)
	q.Flush(ctx)
	clk.advance(2 * time.Second)
	rep := q.Flush(ctx)

	require.Equal(t, 2, rep.Dropped)
	require.Equal(t, 1, rep.DroppedBatches)
	require.Equal(t, 2, rep.Sent, "the next batch is still attempted")
	require.Zero(t, rep.Remaining)
	require.Equal(t, []string{"C", "D"}, sk.calls[len(sk.calls)-1])

	failures, err := st.ListFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, 3, failures[0].Attempts)
	require.Equal(t, []string{"A:delivered", "B:delivered"}, failures[0].CorrelationIDs)
	require.Contains(t, failures[0].Error, "collector down")
}

func TestPermanentRejectionDropsImmediately(t *testing.T) {
	sk := &scriptedSink{answers: []error{sink.Permanent(errors.New("400 bad batch"))}}
	q, _, st := newQueue(t, Config{BatchSize: 1}, sk)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev("A"), ev("B")))
	rep := q.Flush(ctx)
	require.Equal(t, 1, rep.Dropped)
	require.Equal(t, 1, rep.Sent)

	failures, err := st.ListFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.True(t, failures[0].Permanent)
	require.Equal(t, 1, failures[0].Attempts)
}

func TestRetriedBatchKeepsID(t *testing.T) {
	var ids []string
	sk := sink.Func(func(ctx context.Context, b notification.Batch) error {
		ids = append(ids, b.BatchID)
		if len(ids) == 1 {
			return errors.New("down")
		}
		return nil
	})
	q, clk, _ := newQueue(t, Config{BackoffBase: time.Second, BackoffCap: time.Second}, sk)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, ev("A")))
	q.Flush(ctx)
	clk.advance(2 * time.Second)
	q.Flush(ctx)
	require.Len(t, ids, 2)
	require.Equal(t, ids[0], ids[1])
}

func TestPurgeDiscardsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	sk := sink.Func(func(ctx context.Context, b notification.Batch) error {
		close(entered)
		<-release
		return nil
	})
	q, _, _ := newQueue(t, Config{}, sk)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, ev("A")))

	done := make(chan FlushReport, 1)
	go func() { done <- q.Flush(ctx) }()
	<-entered

	n, err := q.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	close(release)

	rep := <-done
	require.True(t, rep.Discarded)
	require.Zero(t, rep.Sent)
	require.Zero(t, rep.Remaining)
}

func TestSubmitDirectWhenQueueEmpty(t *testing.T) {
	sk := &scriptedSink{}
	q, _, _ := newQueue(t, Config{BatchSize: 10}, sk)
	ctx := context.Background()

	rep := q.Submit(ctx, ev("A"), ev("B"))
	require.Equal(t, 2, rep.Sent)
	require.Zero(t, rep.Enqueued)
	require.Zero(t, rep.Remaining)
}

func TestSubmitQueuesBehindBacklog(t *testing.T) {
	sk := &scriptedSink{answers: []error{errors.New("down")}}
	q, clk, _ := newQueue(t, Config{BatchSize: 10, BackoffBase: time.Second, BackoffCap: time.Second}, sk)
	ctx := context.Background()

	rep := q.Submit(ctx, ev("A"))
	require.Error(t, rep.Err)
	require.Equal(t, 1, rep.Enqueued)

	// Still backing off: B waits behind A.
	rep = q.Submit(ctx, ev("B"))
	require.True(t, rep.Skipped)
	require.Equal(t, 2, rep.Remaining)

	clk.advance(2 * time.Second)
	rep = q.Submit(ctx, ev("C"))
	require.NoError(t, rep.Err)
	require.Equal(t, 3, rep.Sent)
	require.Equal(t, []string{"A", "B", "C"}, sk.calls[len(sk.calls)-1])
}

func TestNoSink(t *testing.T) {
	q, _, _ := newQueue(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, ev("A")))
	rep := q.Flush(ctx)
	require.ErrorIs(t, rep.Err, ErrNoSink)
	require.Equal(t, 1, rep.Remaining)
}
