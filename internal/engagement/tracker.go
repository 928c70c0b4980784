// Package engagement records lifecycle events per notification and ships
// them in batches.
//
// A batch is cut when it reaches BatchSize or when BatchInterval has passed
// since its oldest event, whichever comes first. While the connection is up
// the batch goes straight to the sink through the outbox; while it is down
// the batch is parked in the outbox and replayed later. Both paths carry the
// same correlation IDs.
package engagement

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notipipe/internal/notification"
	"notipipe/internal/outbox"
	"notipipe/internal/telemetry"
	logx "notipipe/pkg/logx"
)

var ErrNoNotificationID = errors.New("engagement: notification id is required")

const (
	DefaultBatchSize     = 10
	DefaultBatchInterval = 5 * time.Second
)

type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	// UserID is stamped on every recorded event.
	UserID string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	return c
}

// Outbox is the part of outbox.Queue the tracker drives.
type Outbox interface {
	Enqueue(ctx context.Context, events ...notification.EngagementEvent) error
	Submit(ctx context.Context, events ...notification.EngagementEvent) outbox.FlushReport
	Flush(ctx context.Context) outbox.FlushReport
	Len(ctx context.Context) (int, error)
}

// Trigger names why a batch was cut.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerInterval Trigger = "interval"
	TriggerDrain    Trigger = "drain"
	TriggerPark     Trigger = "park"
)

// FlushResult is reported to the observer after every flush.
type FlushResult struct {
	Trigger Trigger
	Events  int  // events cut from the pending batch
	Direct  bool // sent while connected rather than parked
	Report  outbox.FlushReport
	Err     error
}

// Stats are aggregate counters. All are monotonic except Queued, which
// falls as events are acknowledged or dropped.
type Stats struct {
	Recorded     uint64  `json:"recorded"`
	Duplicates   uint64  `json:"duplicates"`
	Queued       int64   `json:"queued"`
	Sent         uint64  `json:"sent"`
	Failed       uint64  `json:"failed"`
	Batches      uint64  `json:"batches"`
	AvgBatchSize float64 `json:"avgBatchSize"`
}

type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	pending []notification.EngagementEvent
	keys    map[string]struct{}
	oldest  time.Time

	// flushMu keeps cut batches reaching the outbox in the order they were cut.
	flushMu sync.Mutex

	out       Outbox
	connected func() bool
	observe   func(FlushResult)

	recorded, duplicates uint64
	queued               int64
	sent, failed         uint64
	batches, batched     uint64

	tracer trace.Tracer
	log    logx.Logger
	now    func() time.Time
}

// New builds a Tracker. connected reports whether the network path is up;
// nil means always offline.
func New(cfg Config, out Outbox, connected func() bool, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if connected == nil {
		connected = func() bool { return false }
	}
	return &Tracker{
		cfg:       cfg.withDefaults(),
		keys:      make(map[string]struct{}),
		out:       out,
		connected: connected,
		tracer:    otel.Tracer("notipipe/engagement"),
		log:       log,
		now:       time.Now,
	}
}

func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// SetObserver installs a callback run after each flush.
func (t *Tracker) SetObserver(fn func(FlushResult)) {
	t.mu.Lock()
	t.observe = fn
	t.mu.Unlock()
}

// Resume accounts for events left in the outbox by a previous run.
func (t *Tracker) Resume(ctx context.Context) error {
	n, err := t.out.Len(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.queued += int64(n)
	t.mu.Unlock()
	if n > 0 {
		t.log.Info("resuming with queued engagement events", logx.Int("events", n))
	}
	return nil
}

// Record appends an event to the pending batch and flushes when the batch
// is full. Recording the same transition twice is a no-op while the first
// is still pending.
func (t *Tracker) Record(ctx context.Context, typ notification.EngagementType, notificationID string, meta map[string]string) error {
	if notificationID == "" {
		return ErrNoNotificationID
	}
	t.mu.Lock()
	ev := notification.NewEngagement(t.cfg.UserID, notificationID, typ, t.now(), meta)
	if _, dup := t.keys[ev.CorrelationID]; dup {
		t.duplicates++
		t.mu.Unlock()
		return nil
	}
	if len(t.pending) == 0 {
		t.oldest = ev.Timestamp
	}
	t.pending = append(t.pending, ev)
	t.keys[ev.CorrelationID] = struct{}{}
	t.recorded++
	t.queued++
	full := len(t.pending) >= t.cfg.BatchSize
	t.mu.Unlock()

	if full {
		t.flush(ctx, TriggerSize)
	}
	return nil
}

// NextDeadline is when the pending batch becomes due by age.
func (t *Tracker) NextDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return time.Time{}, false
	}
	return t.oldest.Add(t.cfg.BatchInterval), true
}

// Tick flushes the pending batch if its oldest event is at least
// BatchInterval old at now. It reports whether a flush ran.
func (t *Tracker) Tick(ctx context.Context, now time.Time) bool {
	due, ok := t.NextDeadline()
	if !ok || now.Before(due) {
		return false
	}
	t.flush(ctx, TriggerInterval)
	return true
}

// Drain sends the pending batch (if any) and replays the outbox. Call it
// when the connection comes back.
func (t *Tracker) Drain(ctx context.Context) FlushResult {
	return t.flush(ctx, TriggerDrain)
}

// Park moves the pending batch into the outbox without sending. Used on
// shutdown.
func (t *Tracker) Park(ctx context.Context) FlushResult {
	return t.flush(ctx, TriggerPark)
}

// Pending is the number of events not yet handed to the outbox.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Recorded:   t.recorded,
		Duplicates: t.duplicates,
		Queued:     t.queued,
		Sent:       t.sent,
		Failed:     t.failed,
		Batches:    t.batches,
	}
	if t.batches > 0 {
		s.AvgBatchSize = float64(t.batched) / float64(t.batches)
	}
	return s
}

func (t *Tracker) flush(ctx context.Context, trig Trigger) FlushResult {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.oldest = time.Time{}
	clear(t.keys)
	if len(batch) > 0 {
		t.batches++
		t.batched += uint64(len(batch))
	}
	observe := t.observe
	t.mu.Unlock()

	direct := trig != TriggerPark && t.connected()
	res := FlushResult{Trigger: trig, Events: len(batch), Direct: direct}
	if len(batch) == 0 && !direct {
		return res
	}

	ctx, span := t.tracer.Start(ctx, "engagement.flush", trace.WithAttributes(
		attribute.String("trigger", string(trig)),
		attribute.Int("events", len(batch)),
		attribute.Bool("direct", direct),
	))
	defer span.End()

	switch {
	case direct:
		res.Report = t.out.Submit(ctx, batch...)
		res.Err = res.Report.Err
	default:
		if err := t.out.Enqueue(ctx, batch...); err != nil {
			res.Err = err
			t.mu.Lock()
			t.failed += uint64(len(batch))
			t.queued -= int64(len(batch))
			t.mu.Unlock()
			t.log.Error("engagement batch lost: outbox enqueue failed", logx.Int("events", len(batch)), logx.Err(err))
		} else {
			res.Report.Enqueued = len(batch)
		}
	}

	t.mu.Lock()
	t.sent += uint64(res.Report.Sent)
	t.failed += uint64(res.Report.Dropped)
	t.queued -= int64(res.Report.Sent + res.Report.Dropped)
	if t.queued < 0 {
		t.queued = 0
	}
	t.mu.Unlock()

	span.SetAttributes(
		attribute.Int("sent", res.Report.Sent),
		attribute.Int("dropped", res.Report.Dropped),
		attribute.Int("remaining", res.Report.Remaining),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		t.log.Warn("engagement flush incomplete", append(telemetry.LogFields(ctx),
			logx.String("trigger", string(trig)),
			logx.Int("events", len(batch)),
			logx.Int("sent", res.Report.Sent),
			logx.Int("remaining", res.Report.Remaining),
			logx.Err(res.Err))...)
	} else if len(batch) > 0 || res.Report.Sent > 0 {
		t.log.Debug("engagement flushed",
			logx.String("trigger", string(trig)),
			logx.Int("events", len(batch)),
			logx.Bool("direct", direct),
			logx.Int("sent", res.Report.Sent))
	}

	if observe != nil {
		observe(res)
	}
	return res
}
