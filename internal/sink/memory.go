package sink

import (
	"context"
	"sync"

	"notipipe/internal/notification"
)

// Summary is an idempotent aggregate over received engagement events.
type Summary struct {
	ByType         map[string]int            `json:"byType"`
	ByNotification map[string]map[string]int `json:"byNotification"`
	Total          int                       `json:"total"`
	Duplicates     int                       `json:"duplicates"`
}

// Memory is an in-process idempotent sink. Events are counted once per
// correlation ID no matter how often they arrive.
type Memory struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	events  []notification.EngagementEvent
	batches int
	dups    int
}

func NewMemory() *Memory {
	return &Memory{seen: map[string]struct{}{}}
}

func (m *Memory) Send(ctx context.Context, b notification.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	for _, ev := range b.Events {
		if _, ok := m.seen[ev.CorrelationID]; ok {
			m.dups++
			continue
		}
		m.seen[ev.CorrelationID] = struct{}{}
		m.events = append(m.events, ev)
	}
	return nil
}

// Events returns accepted events in arrival order.
func (m *Memory) Events() []notification.EngagementEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notification.EngagementEvent(nil), m.events...)
}

func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

func (m *Memory) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		ByType:         map[string]int{},
		ByNotification: map[string]map[string]int{},
		Total:          len(m.events),
		Duplicates:     m.dups,
	}
	for _, ev := range m.events {
		t := ev.EventType.String()
		s.ByType[t]++
		per := s.ByNotification[ev.NotificationID]
		if per == nil {
			per = map[string]int{}
			s.ByNotification[ev.NotificationID] = per
		}
		per[t]++
	}
	return s
}
