// Package toast schedules on-screen notifications under a visibility cap.
//
// The Scheduler is a state machine driven by explicit timestamps. Every
// call runs to completion under one lock and returns the transitions it
// caused, so the caller decides what to emit. Timers live outside: callers
// re-arm a single timer to NextDeadline after each call and invoke Tick when
// it fires.
package toast

import (
	"sort"
	"strings"
	"sync"
	"time"

	"notipipe/internal/notification"
)

type entry struct {
	seq           uint64
	ev            notification.Event
	state         State
	queuedAt      time.Time
	displayedAt   time.Time
	autoDismissAt time.Time
	opened        bool
	groupCount    int
}

func (e *entry) view() View {
	return View{
		NotificationID: e.ev.ID,
		Event:          e.ev,
		State:          e.state,
		QueuedAt:       e.queuedAt,
		DisplayedAt:    e.displayedAt,
		AutoDismissAt:  e.autoDismissAt,
		Dismissed:      e.state == StateDismissed,
		GroupCount:     e.groupCount,
	}
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	seq       uint64
	displayed []*entry // unordered; at most cfg.MaxVisible
	queue     []*entry // priority desc, then arrival
}

func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults()}
}

// Apply swaps the configuration. A smaller MaxVisible evicts the lowest
// toasts immediately; a larger one promotes from the queue.
func (s *Scheduler) Apply(cfg Config, now time.Time) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()

	var out []Transition
	for len(s.displayed) > s.cfg.MaxVisible {
		victim := s.lowestLocked()
		s.removeLocked(victim)
		victim.state = StateEvicted
		out = append(out, Transition{Kind: KindEvicted, Toast: victim.view(), At: now, Reason: "capacity"})
	}
	return s.promoteLocked(now, out)
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Admit accepts one deduplicated event.
func (s *Scheduler) Admit(ev notification.Event, now time.Time) ([]Transition, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return nil, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := &entry{seq: s.seq, ev: ev, state: StateQueued, queuedAt: now, groupCount: 1}

	switch {
	case !s.cfg.typeEnabled(ev.Type):
		return []Transition{{Kind: KindFiltered, Toast: e.view(), At: now, Reason: "type_disabled"}}, nil
	case ev.Priority != notification.PriorityCritical && s.cfg.QuietHours.Contains(now):
		return []Transition{{Kind: KindFiltered, Toast: e.view(), At: now, Reason: "quiet_hours"}}, nil
	}

	// Grouping: replace a recent slot from the same (type, user) in place.
	if g := s.groupTargetLocked(ev, now); g != nil {
		e.groupCount = g.groupCount + 1
		idx := s.indexLocked(g)
		g.state = StateReplaced
		out := []Transition{{Kind: KindReplaced, Toast: g.view(), At: now, By: ev.ID}}
		s.displayLocked(e, now)
		s.displayed[idx] = e
		return append(out, Transition{Kind: KindDisplayed, Toast: e.view(), At: now}), nil
	}

	// Rule 1: free slot.
	if len(s.displayed) < s.cfg.MaxVisible {
		s.displayLocked(e, now)
		s.displayed = append(s.displayed, e)
		return []Transition{{Kind: KindDisplayed, Toast: e.view(), At: now}}, nil
	}

	// Rule 2: strictly outranks the lowest displayed toast.
	if low := s.lowestLocked(); low != nil && ev.Priority.HigherThan(low.ev.Priority) {
		s.removeLocked(low)
		low.state = StateEvicted
		out := []Transition{{Kind: KindEvicted, Toast: low.view(), At: now, By: ev.ID, Reason: "priority"}}
		s.displayLocked(e, now)
		s.displayed = append(s.displayed, e)
		return append(out, Transition{Kind: KindDisplayed, Toast: e.view(), At: now}), nil
	}

	// Rule 3: wait.
	s.enqueueLocked(e)
	return []Transition{{Kind: KindQueued, Toast: e.view(), At: now}}, nil
}

// Dismiss closes a displayed toast on user request and promotes the next
// queued one. Only displayed toasts can be dismissed.
func (s *Scheduler) Dismiss(notificationID, reason string, now time.Time) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findLocked(notificationID)
	if e == nil {
		return nil, ErrNotDisplayed
	}
	if reason == "" {
		reason = ReasonUser
	}
	return s.dismissLocked(e, reason, now, nil), nil
}

// Open records that the user opened a displayed toast. Only the first open
// of a toast is reported.
func (s *Scheduler) Open(notificationID string, now time.Time) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findLocked(notificationID)
	if e == nil {
		return nil, ErrNotDisplayed
	}
	if e.opened {
		return nil, nil
	}
	e.opened = true
	return []Transition{{Kind: KindOpened, Toast: e.view(), At: now}}, nil
}

// Click records a click-through. The toast closes with reason "clicked".
func (s *Scheduler) Click(notificationID string, now time.Time) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findLocked(notificationID)
	if e == nil {
		return nil, ErrNotDisplayed
	}
	out := []Transition{{Kind: KindClicked, Toast: e.view(), At: now}}
	return s.dismissLocked(e, ReasonClicked, now, out), nil
}

// Tick expires every toast whose auto-dismiss time is at or before now, in
// deadline order, promoting after each.
func (s *Scheduler) Tick(now time.Time) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transition
	for {
		var next *entry
		for _, e := range s.displayed {
			if e.autoDismissAt.After(now) {
				continue
			}
			if next == nil || e.autoDismissAt.Before(next.autoDismissAt) ||
				(e.autoDismissAt.Equal(next.autoDismissAt) && e.seq < next.seq) {
				next = e
			}
		}
		if next == nil {
			return out
		}
		s.removeLocked(next)
		next.state = StateExpired
		out = append(out, Transition{Kind: KindExpired, Toast: next.view(), At: next.autoDismissAt})
		// Promoted toasts start their clock at now. A late tick must not
		// hand them a deadline that is already behind it.
		out = s.promoteLocked(now, out)
	}
}

// NextDeadline is the earliest auto-dismiss time among displayed toasts.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		min time.Time
		ok  bool
	)
	for _, e := range s.displayed {
		if !ok || e.autoDismissAt.Before(min) {
			min, ok = e.autoDismissAt, true
		}
	}
	return min, ok
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]View, 0, len(s.displayed))
	for _, e := range s.displayed {
		views = append(views, e.view())
	}
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.Event.Priority != b.Event.Priority {
			return a.Event.Priority > b.Event.Priority
		}
		return a.DisplayedAt.Before(b.DisplayedAt)
	})
	return Snapshot{Displayed: views, Queued: len(s.queue)}
}

func (s *Scheduler) DisplayedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.displayed)
}

func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) dismissLocked(e *entry, reason string, now time.Time, out []Transition) []Transition {
	s.removeLocked(e)
	e.state = StateDismissed
	out = append(out, Transition{Kind: KindDismissed, Toast: e.view(), At: now, Reason: reason})
	return s.promoteLocked(now, out)
}

func (s *Scheduler) displayLocked(e *entry, now time.Time) {
	e.state = StateDisplayed
	e.displayedAt = now
	e.autoDismissAt = now.Add(s.cfg.Durations.For(e.ev.Priority))
}

// promoteLocked fills free slots from the head of the queue.
func (s *Scheduler) promoteLocked(now time.Time, out []Transition) []Transition {
	for len(s.displayed) < s.cfg.MaxVisible && len(s.queue) > 0 {
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.displayLocked(e, now)
		s.displayed = append(s.displayed, e)
		out = append(out, Transition{Kind: KindDisplayed, Toast: e.view(), At: now})
	}
	return out
}

func (s *Scheduler) enqueueLocked(e *entry) {
	i := sort.Search(len(s.queue), func(i int) bool {
		q := s.queue[i]
		if q.ev.Priority != e.ev.Priority {
			return q.ev.Priority < e.ev.Priority
		}
		return q.seq > e.seq
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = e
}

// lowestLocked picks the eviction victim: lowest priority, then oldest.
func (s *Scheduler) lowestLocked() *entry {
	var low *entry
	for _, e := range s.displayed {
		if low == nil || e.ev.Priority < low.ev.Priority ||
			(e.ev.Priority == low.ev.Priority && e.seq < low.seq) {
			low = e
		}
	}
	return low
}

func (s *Scheduler) groupTargetLocked(ev notification.Event, now time.Time) *entry {
	if s.cfg.GroupingWindow <= 0 {
		return nil
	}
	if ev.UserID == "" && !ev.Type.Groupable() {
		return nil
	}
	key := ev.GroupKey()
	for _, e := range s.displayed {
		if e.ev.GroupKey() == key && now.Sub(e.displayedAt) < s.cfg.GroupingWindow {
			return e
		}
	}
	return nil
}

// findLocked returns the displayed toast for id, newest first.
func (s *Scheduler) findLocked(id string) *entry {
	var found *entry
	for _, e := range s.displayed {
		if e.ev.ID == id && (found == nil || e.seq > found.seq) {
			found = e
		}
	}
	return found
}

func (s *Scheduler) indexLocked(e *entry) int {
	for i, d := range s.displayed {
		if d == e {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeLocked(e *entry) {
	i := s.indexLocked(e)
	if i < 0 {
		return
	}
	last := len(s.displayed) - 1
	s.displayed[i] = s.displayed[last]
	s.displayed[last] = nil
	s.displayed = s.displayed[:last]
}
