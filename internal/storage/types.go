package storage

import (
	"errors"
	"time"

	"notipipe/internal/notification"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only; the outbox is lost on restart
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OutboxRecord is one queued engagement event. Seq is assigned by the store
// and strictly increases in enqueue order.
type OutboxRecord struct {
	Seq        uint64                       `json:"seq"`
	EnqueuedAt time.Time                    `json:"enqueuedAt"`
	Event      notification.EngagementEvent `json:"event"`
}

// OutboxStats summarizes the outbox without loading it.
type OutboxStats struct {
	Len      int
	OldestAt time.Time // zero when empty
	Bytes    int64     // approximate on-disk size; 0 when unknown
}

// FailureRecord documents a batch dropped after exhausting its retries.
// Keep it compact and schema-stable.
type FailureRecord struct {
	At             time.Time `json:"at"`
	BatchID        string    `json:"batchId"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	Permanent      bool      `json:"permanent,omitempty"`
	CorrelationIDs []string  `json:"correlationIds"`
}
