// Package outbox is the durable FIFO buffer for outbound engagement events.
//
// Events are appended to storage and flushed in order, BatchSize at a time.
// A batch is acknowledged as a prefix: only the unacknowledged suffix stays
// queued, so nothing is reordered and nothing is skipped. A head batch that
// fails MaxRetries consecutive times (or is rejected permanently) is
// dropped and written to the failure log; later batches are still tried.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"notipipe/internal/notification"
	"notipipe/internal/sink"
	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

var (
	ErrNoSink = errors.New("outbox has no sink")

	errThrottled = errors.New("outbox throttled")
)

// batchNS namespaces deterministic batch IDs so a retried batch keeps its
// Idempotency-Key.
var batchNS = uuid.MustParse("6f1d8c3e-2b7a-4c59-9e0d-3a1f5b7c9d2e")

type Config struct {
	BatchSize   int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RatePerSec throttles sink calls; 0 disables throttling.
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// FlushReport describes one Flush or Submit call.
type FlushReport struct {
	Batches        int           // sink calls made
	Sent           int           // events acknowledged
	Dropped        int           // events dropped after retries or permanent rejection
	DroppedBatches int
	Enqueued       int           // events newly queued (Submit only)
	Remaining      int           // queue length afterwards
	Skipped        bool          // another flush was running or backoff had not elapsed
	Discarded      bool          // queue was purged while a send was in flight
	RetryAt        time.Time     // earliest next attempt after a failure
	Duration       time.Duration
	Err            error // last send error, if any
}

type Queue struct {
	mu      sync.Mutex
	cfg     Config
	store   storage.Store
	sink    sink.Sink
	limiter *rate.Limiter
	bo      *backoff.ExponentialBackOff
	retryAt time.Time

	// Consecutive failures of the current head batch.
	headSeq  uint64
	attempts int

	gen uint64

	flushMu sync.Mutex

	log logx.Logger
	now func() time.Time

	flushes atomic.Uint64
	failed  atomic.Uint64
}

// New builds a Queue over st. A nil st keeps the queue in memory.
func New(cfg Config, st storage.Store, sk sink.Sink, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if st == nil {
		st = storage.NewMemory()
	}
	q := &Queue{store: st, sink: sk, log: log, now: time.Now}
	q.applyLocked(cfg)
	return q
}

func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.applyLocked(cfg)
	q.mu.Unlock()
}

func (q *Queue) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	q.cfg = cfg
	if cfg.RatePerSec > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		q.limiter = nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffBase
	bo.MaxInterval = cfg.BackoffCap
	bo.RandomizationFactor = 0.3
	bo.Multiplier = 2
	bo.Reset()
	q.bo = bo
}

// SetSink swaps the sink used by later flushes.
func (q *Queue) SetSink(sk sink.Sink) {
	q.mu.Lock()
	q.sink = sk
	q.mu.Unlock()
}

// SetClock overrides the time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue appends events to the durable buffer in order.
func (q *Queue) Enqueue(ctx context.Context, events ...notification.EngagementEvent) error {
	if len(events) == 0 {
		return nil
	}
	q.mu.Lock()
	now := q.now()
	q.mu.Unlock()
	if _, err := q.store.AppendOutbox(ctx, now, events...); err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	return nil
}

// Len is the number of queued events.
func (q *Queue) Len(ctx context.Context) (int, error) {
	st, err := q.store.OutboxStats(ctx)
	return st.Len, err
}

func (q *Queue) Stats(ctx context.Context) (storage.OutboxStats, error) {
	return q.store.OutboxStats(ctx)
}

// Oldest is when the head event was queued; zero when empty.
func (q *Queue) Oldest(ctx context.Context) (time.Time, error) {
	st, err := q.store.OutboxStats(ctx)
	return st.OldestAt, err
}

func (q *Queue) Failures(ctx context.Context, limit int) ([]storage.FailureRecord, error) {
	return q.store.ListFailures(ctx, limit)
}

// Counters are monotonic operational totals.
type Counters struct {
	Flushes      uint64 `json:"flushes"`
	SendFailures uint64 `json:"sendFailures"`
}

func (q *Queue) Counters() Counters {
	return Counters{Flushes: q.flushes.Load(), SendFailures: q.failed.Load()}
}

// RetryAt is the earliest time a flush will be attempted after a failure.
func (q *Queue) RetryAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retryAt
}

// Purge empties the queue. A flush already in flight finishes its sink
// call, but its result is discarded.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	q.gen++
	q.headSeq, q.attempts = 0, 0
	q.retryAt = time.Time{}
	q.bo.Reset()
	q.mu.Unlock()
	n, err := q.store.PurgeOutbox(ctx)
	if err == nil {
		q.log.Warn("outbox purged", logx.Int("events", n))
	}
	return n, err
}

// Submit delivers events straight to the sink when nothing is queued ahead
// of them; otherwise, or for whatever the sink does not acknowledge, they
// join the queue. Ordering with already-queued events is preserved.
func (q *Queue) Submit(ctx context.Context, events ...notification.EngagementEvent) FlushReport {
	start := time.Now()
	if len(events) == 0 {
		return q.Flush(ctx)
	}

	if !q.flushMu.TryLock() {
		rep := FlushReport{Skipped: true}
		if err := q.Enqueue(ctx, events...); err != nil {
			rep.Err = err
		} else {
			rep.Enqueued = len(events)
		}
		rep.Remaining, _ = q.Len(ctx)
		return rep
	}
	defer q.flushMu.Unlock()

	queued, err := q.Len(ctx)
	q.mu.Lock()
	now := q.now()
	backingOff := now.Before(q.retryAt)
	q.mu.Unlock()

	if err != nil || queued > 0 || backingOff {
		rep := FlushReport{}
		if err := q.Enqueue(ctx, events...); err != nil {
			rep.Err = err
			return rep
		}
		rep.Enqueued = len(events)
		if backingOff {
			rep.Skipped = true
			rep.RetryAt = q.RetryAt()
			rep.Remaining, _ = q.Len(ctx)
			return rep
		}
		rep = q.flushLocked(ctx, rep)
		rep.Duration = time.Since(start)
		return rep
	}

	rep := FlushReport{}
	batchSize := q.config().BatchSize
	for len(events) > 0 {
		n := min(len(events), batchSize)
		b := notification.Batch{BatchID: uuid.New().String(), Events: events[:n]}

		sendErr := q.send(ctx, b)
		if errors.Is(sendErr, errThrottled) {
			if err := q.Enqueue(ctx, events...); err != nil {
				rep.Err = err
				return rep
			}
			rep.Enqueued += len(events)
			rep.Err = sendErr
			break
		}
		rep.Batches++
		acked := sink.Accepted(sendErr, n)
		rep.Sent += acked
		if sendErr == nil {
			q.succeeded()
			events = events[n:]
			continue
		}

		// Whatever was not acknowledged is queued with everything after it.
		recs, err := q.store.AppendOutbox(ctx, now, events[acked:]...)
		if err != nil {
			rep.Err = fmt.Errorf("outbox enqueue after failed send: %w", err)
			return rep
		}
		rep.Enqueued += len(recs)
		rep.Err = sendErr
		if q.failedAt(recs[0].Seq, sendErr, &rep) {
			if q.drop(ctx, recs[:n-acked], sendErr, &rep) {
				rep = q.flushLocked(ctx, rep)
			}
		}
		break
	}
	rep.Remaining, _ = q.Len(ctx)
	rep.Duration = time.Since(start)
	return rep
}

// Flush sends queued events in order until the queue is empty or a batch
// fails and must wait for backoff.
func (q *Queue) Flush(ctx context.Context) FlushReport {
	start := time.Now()
	if !q.flushMu.TryLock() {
		rep := FlushReport{Skipped: true}
		rep.Remaining, _ = q.Len(ctx)
		return rep
	}
	defer q.flushMu.Unlock()

	q.mu.Lock()
	retryAt := q.retryAt
	now := q.now()
	q.mu.Unlock()
	if now.Before(retryAt) {
		rep := FlushReport{Skipped: true, RetryAt: retryAt}
		rep.Remaining, _ = q.Len(ctx)
		return rep
	}

	rep := q.flushLocked(ctx, FlushReport{})
	rep.Duration = time.Since(start)
	return rep
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// flushLocked runs with flushMu held.
func (q *Queue) flushLocked(ctx context.Context, rep FlushReport) FlushReport {
	q.flushes.Add(1)
	for {
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			break
		}
		q.mu.Lock()
		cfg, gen := q.cfg, q.gen
		q.mu.Unlock()

		recs, err := q.store.PeekOutbox(ctx, cfg.BatchSize)
		if err != nil {
			rep.Err = fmt.Errorf("outbox peek: %w", err)
			break
		}
		if len(recs) == 0 {
			break
		}

		b := batchOf(recs)
		sendErr := q.send(ctx, b)
		if errors.Is(sendErr, errThrottled) {
			// Never reached the sink; not a failed attempt.
			rep.Err = sendErr
			break
		}
		rep.Batches++

		q.mu.Lock()
		stale := q.gen != gen
		q.mu.Unlock()
		if stale {
			q.log.Debug("discarding flush result for purged queue", logx.String("batch", b.BatchID))
			rep.Discarded = true
			break
		}

		acked := sink.Accepted(sendErr, len(recs))
		if acked > 0 {
			if err := q.store.AckOutbox(ctx, recs[acked-1].Seq); err != nil {
				rep.Err = fmt.Errorf("outbox ack: %w", err)
				break
			}
			rep.Sent += acked
		}
		if sendErr == nil {
			q.succeeded()
			continue
		}

		rep.Err = sendErr
		rest := recs[acked:]
		if !q.failedAt(rest[0].Seq, sendErr, &rep) {
			break
		}
		if !q.drop(ctx, rest, sendErr, &rep) {
			break
		}
	}
	rep.Remaining, _ = q.Len(ctx)
	return rep
}

func (q *Queue) send(ctx context.Context, b notification.Batch) error {
	q.mu.Lock()
	sk, lim, timeout := q.sink, q.limiter, q.cfg.SendTimeout
	q.mu.Unlock()
	if sk == nil {
		return ErrNoSink
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", errThrottled, err)
		}
	}
	// A send that has started runs to completion (bounded by timeout) even if
	// the caller gives up.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return sk.Send(sctx, b)
}

func (q *Queue) succeeded() {
	q.mu.Lock()
	q.headSeq, q.attempts = 0, 0
	q.retryAt = time.Time{}
	q.bo.Reset()
	q.mu.Unlock()
}

// failedAt counts a failure of the head batch starting at seq. It reports
// whether the batch must be dropped now; otherwise it arms the backoff.
func (q *Queue) failedAt(seq uint64, err error, rep *FlushReport) (drop bool) {
	q.failed.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.headSeq != seq {
		q.headSeq, q.attempts = seq, 0
	}
	q.attempts++
	if sink.IsPermanent(err) || q.attempts >= q.cfg.MaxRetries {
		return true
	}

	wait := q.bo.NextBackOff()
	if wait < 0 || wait > q.cfg.BackoffCap {
		wait = q.cfg.BackoffCap
	}
	var ra sink.RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > wait {
		wait = ra.RetryAfter()
		if wait > q.cfg.BackoffCap {
			wait = q.cfg.BackoffCap
		}
	}
	q.retryAt = q.now().Add(wait)
	rep.RetryAt = q.retryAt
	q.log.Warn("outbox flush failed", logx.Int("attempt", q.attempts), logx.Int("max", q.cfg.MaxRetries), logx.Duration("retry_in", wait), logx.Err(err))
	return false
}

// drop removes a failed head batch and records it. It reports whether the
// batch left the queue.
func (q *Queue) drop(ctx context.Context, recs []storage.OutboxRecord, cause error, rep *FlushReport) bool {
	q.mu.Lock()
	attempts := q.attempts
	q.headSeq, q.attempts = 0, 0
	now := q.now()
	q.mu.Unlock()

	b := batchOf(recs)
	f := storage.FailureRecord{
		At:             now,
		BatchID:        b.BatchID,
		Attempts:       attempts,
		Error:          cause.Error(),
		Permanent:      sink.IsPermanent(cause),
		CorrelationIDs: b.CorrelationIDs(),
	}
	if err := q.store.AppendFailure(ctx, f); err != nil {
		q.log.Error("outbox failure record not written", logx.String("batch", f.BatchID), logx.Err(err))
	}
	if err := q.store.AckOutbox(ctx, recs[len(recs)-1].Seq); err != nil {
		q.log.Error("outbox drop failed", logx.String("batch", f.BatchID), logx.Err(err))
		rep.Err = err
		return false
	}
	rep.Dropped += len(recs)
	rep.DroppedBatches++
	q.log.Error("outbox batch dropped", logx.String("batch", f.BatchID), logx.Int("events", len(recs)), logx.Int("attempts", attempts), logx.Bool("permanent", f.Permanent), logx.Err(cause))
	return true
}

func batchOf(recs []storage.OutboxRecord) notification.Batch {
	events := make([]notification.EngagementEvent, len(recs))
	for i, r := range recs {
		events[i] = r.Event
	}
	key := strconv.FormatUint(recs[0].Seq, 10) + "-" + strconv.FormatUint(recs[len(recs)-1].Seq, 10)
	return notification.Batch{
		BatchID: uuid.NewSHA1(batchNS, []byte(key)).String(),
		Events:  events,
	}
}
