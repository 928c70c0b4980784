package collector

import (
	"context"
	"errors"
	"strings"
	"sync"

	"notipipe/internal/notification"
	"notipipe/internal/sink"
)

var ErrUnknownStore = errors.New("collector: unknown store")

// Result is the reply to one ingested batch.
type Result struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// Store persists engagement events at most once per correlation ID.
type Store interface {
	Insert(ctx context.Context, batchID string, events []notification.EngagementEvent) (Result, error)
	Summary(ctx context.Context) (sink.Summary, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store named by kind ("memory" or "postgres").
func Open(ctx context.Context, kind, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres", "pg":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, ErrUnknownStore
	}
}

type memoryStore struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	byType map[string]int
	byNote map[string]map[string]int
	total  int
	dups   int
}

func NewMemoryStore() Store {
	return &memoryStore{
		seen:   map[string]struct{}{},
		byType: map[string]int{},
		byNote: map[string]map[string]int{},
	}
}

func (m *memoryStore) Insert(ctx context.Context, batchID string, events []notification.EngagementEvent) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var r Result
	for _, ev := range events {
		if _, ok := m.seen[ev.CorrelationID]; ok {
			r.Duplicates++
			continue
		}
		m.seen[ev.CorrelationID] = struct{}{}
		typ := ev.EventType.String()
		m.byType[typ]++
		per := m.byNote[ev.NotificationID]
		if per == nil {
			per = map[string]int{}
			m.byNote[ev.NotificationID] = per
		}
		per[typ]++
		m.total++
		r.Accepted++
	}
	m.dups += r.Duplicates
	return r, nil
}

func (m *memoryStore) Summary(ctx context.Context) (sink.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sink.Summary{
		ByType:         make(map[string]int, len(m.byType)),
		ByNotification: make(map[string]map[string]int, len(m.byNote)),
		Total:          m.total,
		Duplicates:     m.dups,
	}
	for k, v := range m.byType {
		s.ByType[k] = v
	}
	for id, per := range m.byNote {
		cp := make(map[string]int, len(per))
		for k, v := range per {
			cp[k] = v
		}
		s.ByNotification[id] = cp
	}
	return s, nil
}

func (m *memoryStore) Ping(ctx context.Context) error { return nil }
func (m *memoryStore) Close() error                   { return nil }
