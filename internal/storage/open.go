package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"notipipe/internal/notification"
	logx "notipipe/pkg/logx"
)

// Store is the persistence API used by the outbox and the deduplicator.
type Store interface {
	// AppendOutbox appends events in order and returns their records.
	AppendOutbox(ctx context.Context, at time.Time, events ...notification.EngagementEvent) ([]OutboxRecord, error)
	// PeekOutbox returns up to limit records from the head, oldest first.
	PeekOutbox(ctx context.Context, limit int) ([]OutboxRecord, error)
	// AckOutbox removes every record with Seq <= through.
	AckOutbox(ctx context.Context, through uint64) error
	OutboxStats(ctx context.Context) (OutboxStats, error)
	// PurgeOutbox removes every record and returns how many were removed.
	PurgeOutbox(ctx context.Context) (int, error)

	AppendFailure(ctx context.Context, f FailureRecord) error
	// ListFailures returns up to limit failures, newest first.
	ListFailures(ctx context.Context, limit int) ([]FailureRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// PruneDedup removes entries that expired before now.
	PruneDedup(ctx context.Context, now time.Time) (int, error)

	// Compact reclaims space (journal rewrite, VACUUM). Safe to call any time.
	Compact(ctx context.Context) error
	Close() error
}

// Durable reports whether the driver keeps state across restarts.
func Durable(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "file", "sqlite", "sqlite3":
		return true
	default:
		return false
	}
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		log.Warn("storage driver is memory; queued engagement events are lost on restart")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
