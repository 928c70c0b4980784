// Package pipeline wires the delivery path together:
//
//	conn -> decode -> dedup -> toast scheduler -> engagement tracker -> outbox
//
// Each component owns its state. The pipeline runs three loops under a
// supervisor. The toast loop consumes inbound payloads and drives
// auto-dismiss deadlines. The engagement loop turns toast transitions into
// engagement records and cuts batches on time. The drain loop replays the
// outbox whenever the connection comes up or a retry falls due.
// Transitions are handed over through an unbounded list, so neither a slow
// sink nor an expiring caller context can stall admission or lose a
// transition.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notipipe/internal/conn"
	"notipipe/internal/dedup"
	"notipipe/internal/engagement"
	"notipipe/internal/eventbus"
	"notipipe/internal/notification"
	"notipipe/internal/outbox"
	rtsup "notipipe/internal/runtime/supervisor"
	"notipipe/internal/toast"
	logx "notipipe/pkg/logx"
)

var (
	ErrStopped = errors.New("pipeline stopped")
	ErrRunning = errors.New("pipeline already running")
)

const (
	// retryPoll re-checks a backlog that a skipped drain left behind.
	retryPoll   = time.Second
	parkTimeout = 5 * time.Second
)

// Deps are the components the pipeline drives. Conn, Dedup, Toasts,
// Tracker and Queue are required.
type Deps struct {
	Conn    *conn.Manager
	Dedup   *dedup.Deduplicator
	Toasts  *toast.Scheduler
	Tracker *engagement.Tracker
	Queue   *outbox.Queue
	Bus     eventbus.Bus
	Log     logx.Logger
}

type Pipeline struct {
	conn    *conn.Manager
	dedup   *dedup.Deduplicator
	toasts  *toast.Scheduler
	tracker *engagement.Tracker
	queue   *outbox.Queue
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.Mutex
	sup *rtsup.Supervisor

	// handoff holds transitions the engagement loop has not recorded yet.
	handoffMu  sync.Mutex
	handoff    []toast.Transition
	recordWake chan struct{}
	drainWake  chan struct{}

	toastWake chan struct{}
	now       func() time.Time

	received   atomic.Uint64
	stale      atomic.Uint64
	malformed  atomic.Uint64
	suppressed atomic.Uint64
	admitted   atomic.Uint64
}

func New(d Deps) (*Pipeline, error) {
	if d.Conn == nil || d.Dedup == nil || d.Toasts == nil || d.Tracker == nil || d.Queue == nil {
		return nil, errors.New("pipeline: missing component")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	p := &Pipeline{
		conn:       d.Conn,
		dedup:      d.Dedup,
		toasts:     d.Toasts,
		tracker:    d.Tracker,
		queue:      d.Queue,
		bus:        d.Bus,
		log:        d.Log,
		recordWake: make(chan struct{}, 1),
		drainWake:  make(chan struct{}, 1),
		toastWake:  make(chan struct{}, 1),
		now:        time.Now,
	}
	p.tracker.SetObserver(func(r engagement.FlushResult) {
		p.publish(eventbus.TopicFlush, r)
	})
	return p, nil
}

// Start launches the connection manager and the pipeline loops. The pipeline runs
// until Stop or until ctx ends.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return ErrRunning
	}
	if err := p.tracker.Resume(ctx); err != nil {
		p.log.Warn("outbox backlog unknown", logx.Err(err))
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(p.log.With(logx.String("comp", "supervisor"))))
	// Subscribe before the manager runs so the first "connected" is seen.
	changes, unsub := p.conn.Subscribe(32)
	sup.Go("conn", p.conn.Run)
	sup.GoRestart("pipeline.toasts", p.toastLoop, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	sup.GoRestart("pipeline.engagement", func(ctx context.Context) error {
		return p.engagementLoop(ctx, changes)
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	sup.GoRestart("pipeline.drain", p.drainLoop, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	sup.Go0("pipeline.unsubscribe", func(ctx context.Context) {
		<-ctx.Done()
		unsub()
	})
	p.sup = sup
	p.log.Info("pipeline started")
	return nil
}

// Stop cancels the loops and waits for them. Pending engagement events are
// parked in the outbox on the way out.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	p.log.Info("pipeline stopped")
	return err
}

// Supervisor exposes goroutine counters; nil when not running.
func (p *Pipeline) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

func (p *Pipeline) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup != nil
}

// Notify runs a locally produced notification through dedup and admission,
// the same way an inbound payload is handled.
func (p *Pipeline) Notify(ctx context.Context, ev notification.Event) error {
	if !p.running() {
		return ErrStopped
	}
	p.admit(ctx, ev)
	p.wakeToasts()
	return nil
}

// Dismiss closes a displayed toast on the user's behalf.
func (p *Pipeline) Dismiss(ctx context.Context, notificationID string) error {
	return p.interact(ctx, func(now time.Time) ([]toast.Transition, error) {
		return p.toasts.Dismiss(notificationID, toast.ReasonUser, now)
	})
}

// Open records that the user expanded a displayed toast.
func (p *Pipeline) Open(ctx context.Context, notificationID string) error {
	return p.interact(ctx, func(now time.Time) ([]toast.Transition, error) {
		return p.toasts.Open(notificationID, now)
	})
}

// Click follows a toast's action and dismisses it.
func (p *Pipeline) Click(ctx context.Context, notificationID string) error {
	return p.interact(ctx, func(now time.Time) ([]toast.Transition, error) {
		return p.toasts.Click(notificationID, now)
	})
}

func (p *Pipeline) interact(ctx context.Context, fn func(now time.Time) ([]toast.Transition, error)) error {
	if !p.running() {
		return ErrStopped
	}
	trs, err := fn(p.now())
	if err != nil {
		return err
	}
	p.emit(trs)
	p.wakeToasts()
	return nil
}

// ApplyToasts swaps the scheduler config. Shrinking capacity evicts the
// surplus, and those transitions flow like any other.
func (p *Pipeline) ApplyToasts(ctx context.Context, cfg toast.Config) {
	trs := p.toasts.Apply(cfg, p.now())
	if p.running() {
		p.emit(trs)
		p.wakeToasts()
	}
}

// Reconnect forces the connection manager to redial now.
func (p *Pipeline) Reconnect() { p.conn.Reconnect() }

// Snapshot is what a renderer draws.
func (p *Pipeline) Snapshot() toast.Snapshot { return p.toasts.Snapshot() }

func (p *Pipeline) State() conn.State { return p.conn.State() }

type Stats struct {
	Received   uint64           `json:"received"`
	Stale      uint64           `json:"stale"`
	Malformed  uint64           `json:"malformed"`
	Suppressed uint64           `json:"suppressed"`
	Admitted   uint64           `json:"admitted"`
	Displayed  int              `json:"displayed"`
	Waiting    int              `json:"waiting"`
	Conn       conn.Stats       `json:"conn"`
	Dedup      dedup.Stats      `json:"dedup"`
	Engagement engagement.Stats `json:"engagement"`
	Outbox     outbox.Counters  `json:"outbox"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Stale:      p.stale.Load(),
		Malformed:  p.malformed.Load(),
		Suppressed: p.suppressed.Load(),
		Admitted:   p.admitted.Load(),
		Displayed:  p.toasts.DisplayedCount(),
		Waiting:    p.toasts.QueuedCount(),
		Conn:       p.conn.Stats(),
		Dedup:      p.dedup.Stats(),
		Engagement: p.tracker.Stats(),
		Outbox:     p.queue.Counters(),
	}
}

func (p *Pipeline) toastLoop(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	arm := func() {
		timer.Stop()
		if at, ok := p.toasts.NextDeadline(); ok {
			timer.Reset(max(at.Sub(p.now()), 0))
		}
	}
	arm()

	msgs := p.conn.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			p.handle(ctx, msg)
		case <-p.toastWake:
		case <-timer.C:
			p.emit(p.toasts.Tick(p.now()))
		}
		arm()
	}
}

func (p *Pipeline) handle(ctx context.Context, msg conn.Message) {
	p.received.Add(1)
	if !p.conn.Accept(msg) {
		p.stale.Add(1)
		p.log.Debug("dropping payload from stale connection", logx.Uint64("epoch", msg.Epoch))
		return
	}
	ev, err := notification.Decode(msg.Data)
	if err != nil {
		p.malformed.Add(1)
		p.log.Warn("malformed notification payload", logx.Uint64("epoch", msg.Epoch), logx.Int("bytes", len(msg.Data)), logx.Err(err))
		p.publish(eventbus.TopicRejected, eventbus.Rejected{Epoch: msg.Epoch, Reason: err.Error(), Size: len(msg.Data)})
		return
	}
	p.admit(ctx, ev)
}

func (p *Pipeline) admit(ctx context.Context, ev notification.Event) {
	if !p.dedup.ShouldShow(ctx, ev) {
		p.suppressed.Add(1)
		p.publish(eventbus.TopicSuppressed, ev.ID)
		return
	}
	trs, err := p.toasts.Admit(ev, p.now())
	if err != nil {
		p.malformed.Add(1)
		p.log.Warn("notification not admitted", logx.String("id", ev.ID), logx.Err(err))
		return
	}
	if len(trs) > 0 && trs[0].Kind != toast.KindFiltered {
		p.admitted.Add(1)
	}
	p.emit(trs)
}

// emit publishes transitions and hands them to the engagement loop. It
// never blocks.
func (p *Pipeline) emit(trs []toast.Transition) {
	if len(trs) == 0 {
		return
	}
	for _, tr := range trs {
		p.publish(eventbus.TopicToast, tr)
	}
	p.handoffMu.Lock()
	p.handoff = append(p.handoff, trs...)
	p.handoffMu.Unlock()
	wake(p.recordWake)
}

// takeHandoff returns every transition emitted so far, in order.
func (p *Pipeline) takeHandoff() []toast.Transition {
	p.handoffMu.Lock()
	defer p.handoffMu.Unlock()
	trs := p.handoff
	p.handoff = nil
	return trs
}

func (p *Pipeline) wakeToasts() { wake(p.toastWake) }

func (p *Pipeline) kickDrain() { wake(p.drainWake) }

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *Pipeline) engagementLoop(ctx context.Context, changes <-chan conn.Change) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	arm := func() {
		timer.Stop()
		if at, ok := p.nextEngagementDeadline(ctx); ok {
			timer.Reset(max(at.Sub(p.now()), 0))
		}
	}
	arm()
	// Anything emitted before a restart is still waiting.
	wake(p.recordWake)

	for {
		select {
		case <-ctx.Done():
			p.park(ctx)
			return nil
		case <-p.recordWake:
			p.record(ctx, p.takeHandoff())
		case ch := <-changes:
			p.publish(eventbus.TopicConnState, ch)
			if ch.To == conn.StateConnected {
				p.kickDrain()
			}
		case <-timer.C:
			if !p.tracker.Tick(ctx, p.now()) && p.conn.State() == conn.StateConnected {
				p.kickDrain()
			}
		}
		arm()
	}
}

// drainLoop replays the outbox off the engagement loop, so a long backlog
// delays only itself.
func (p *Pipeline) drainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.drainWake:
			if p.conn.State() == conn.StateConnected {
				p.tracker.Drain(ctx)
			}
		}
	}
}

// nextEngagementDeadline is the earlier of the batch age deadline and,
// while connected with a backlog, the outbox retry time.
func (p *Pipeline) nextEngagementDeadline(ctx context.Context) (time.Time, bool) {
	at, ok := p.tracker.NextDeadline()
	if p.conn.State() != conn.StateConnected {
		return at, ok
	}
	n, err := p.queue.Len(ctx)
	if err != nil || n == 0 {
		return at, ok
	}
	retry := p.queue.RetryAt()
	if retry.IsZero() {
		retry = p.now().Add(retryPoll)
	}
	if !ok || retry.Before(at) {
		return retry, true
	}
	return at, true
}

func (p *Pipeline) record(ctx context.Context, trs []toast.Transition) {
	for _, tr := range trs {
		typ, meta, ok := engagementFor(tr)
		if !ok {
			continue
		}
		if err := p.tracker.Record(ctx, typ, tr.Toast.NotificationID, meta); err != nil {
			p.log.Warn("engagement not recorded", logx.String("id", tr.Toast.NotificationID), logx.Err(err))
		}
	}
}

// park records whatever is still in flight between the loops and moves the
// pending batch into the outbox.
func (p *Pipeline) park(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), parkTimeout)
	defer cancel()
	p.record(pctx, p.takeHandoff())
	res := p.tracker.Park(pctx)
	if res.Err != nil {
		p.log.Error("pending engagement not parked", logx.Int("events", res.Events), logx.Err(res.Err))
	}
}

// engagementFor maps a toast transition to the engagement it reports.
// Expiry, eviction and replacement are not user engagement.
func engagementFor(tr toast.Transition) (notification.EngagementType, map[string]string, bool) {
	meta := map[string]string{
		"type":     tr.Toast.Event.Type.String(),
		"priority": tr.Toast.Event.Priority.String(),
	}
	switch tr.Kind {
	case toast.KindDisplayed:
		return notification.EngagementDelivered, meta, true
	case toast.KindOpened:
		return notification.EngagementOpened, meta, true
	case toast.KindClicked:
		return notification.EngagementClicked, meta, true
	case toast.KindDismissed:
		// A click already reported itself.
		if tr.Reason == toast.ReasonClicked {
			return 0, nil, false
		}
		meta["reason"] = tr.Reason
		return notification.EngagementDismissed, meta, true
	case toast.KindQueued, toast.KindExpired, toast.KindEvicted, toast.KindReplaced, toast.KindFiltered:
		return 0, nil, false
	default:
		return 0, nil, false
	}
}

func (p *Pipeline) publish(topic string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: topic, Time: p.now(), Data: data})
}
