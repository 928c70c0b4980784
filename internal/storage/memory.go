package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"notipipe/internal/notification"
)

// memoryStore keeps everything in process. It backs the "memory" driver and
// the file driver's in-RAM view.
type memoryStore struct {
	mu sync.Mutex

	closed   bool
	nextSeq  uint64
	outbox   []OutboxRecord
	failures []FailureRecord
	dedup    map[string]int64 // unix milli
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return newMemoryState()
}

func newMemoryState() *memoryStore {
	return &memoryStore{nextSeq: 1, dedup: map[string]int64{}}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Release the backing array of acked rows.
	s.outbox = append([]OutboxRecord(nil), s.outbox...)
	return nil
}

func (s *memoryStore) AppendOutbox(ctx context.Context, at time.Time, events ...notification.EngagementEvent) ([]OutboxRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.appendLocked(at, events), nil
}

func (s *memoryStore) appendLocked(at time.Time, events []notification.EngagementEvent) []OutboxRecord {
	out := make([]OutboxRecord, 0, len(events))
	for _, ev := range events {
		r := OutboxRecord{Seq: s.nextSeq, EnqueuedAt: at, Event: ev}
		s.nextSeq++
		s.outbox = append(s.outbox, r)
		out = append(out, r)
	}
	return out
}

// restoreLocked re-inserts a record loaded from disk, keeping nextSeq ahead of it.
func (s *memoryStore) restoreLocked(r OutboxRecord) {
	s.outbox = append(s.outbox, r)
	if r.Seq >= s.nextSeq {
		s.nextSeq = r.Seq + 1
	}
}

func (s *memoryStore) PeekOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(s.outbox) {
		limit = len(s.outbox)
	}
	return append([]OutboxRecord(nil), s.outbox[:limit]...), nil
}

func (s *memoryStore) AckOutbox(ctx context.Context, through uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ackLocked(through)
	return nil
}

func (s *memoryStore) ackLocked(through uint64) {
	i := 0
	for i < len(s.outbox) && s.outbox[i].Seq <= through {
		i++
	}
	s.outbox = s.outbox[i:]
}

func (s *memoryStore) OutboxStats(ctx context.Context) (OutboxStats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return OutboxStats{}, ErrClosed
	}
	st := OutboxStats{Len: len(s.outbox)}
	if len(s.outbox) > 0 {
		st.OldestAt = s.outbox[0].EnqueuedAt
	}
	return st, nil
}

func (s *memoryStore) PurgeOutbox(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := len(s.outbox)
	s.outbox = nil
	return n, nil
}

func (s *memoryStore) AppendFailure(ctx context.Context, f FailureRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.failures = append(s.failures, f)
	return nil
}

func (s *memoryStore) ListFailures(ctx context.Context, limit int) ([]FailureRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return newestFirst(s.failures, limit), nil
}

func newestFirst(in []FailureRecord, limit int) []FailureRecord {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]FailureRecord, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until.UnixMilli()
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memoryStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return pruneExpiredDedup(s.dedup, now.UnixMilli()), nil
}

func pruneExpiredDedup(m map[string]int64, nowMS int64) int {
	n := 0
	for k, v := range m {
		if v < nowMS {
			delete(m, k)
			n++
		}
	}
	return n
}
