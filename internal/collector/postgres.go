package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notipipe/internal/notification"
	"notipipe/internal/sink"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS engagement_events (
	correlation_id  TEXT PRIMARY KEY,
	notification_id TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	event_type      TEXT NOT NULL,
	channel         TEXT NOT NULL,
	batch_id        TEXT,
	occurred_at     TIMESTAMPTZ NOT NULL,
	metadata        JSONB,
	received_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS engagement_events_notification ON engagement_events (notification_id);
CREATE TABLE IF NOT EXISTS engagement_counters (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);`

type postgresStore struct {
	db *pgxpool.Pool
}

// OpenPostgres connects and creates the schema if missing.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("collector: postgres dsn is required")
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := db.Exec(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Insert(ctx context.Context, batchID string, events []notification.EngagementEvent) (Result, error) {
	var r Result
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, ev := range events {
			var meta []byte
			if len(ev.Metadata) > 0 {
				meta, _ = json.Marshal(ev.Metadata)
			}
			b.Queue(`
				INSERT INTO engagement_events
					(correlation_id, notification_id, user_id, event_type, channel, batch_id, occurred_at, metadata)
				VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
				ON CONFLICT (correlation_id) DO NOTHING`,
				ev.CorrelationID, ev.NotificationID, ev.UserID, ev.EventType.String(), ev.Channel, batchID, ev.Timestamp, meta)
		}
		br := tx.SendBatch(ctx, b)
		for range events {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			if tag.RowsAffected() == 1 {
				r.Accepted++
			} else {
				r.Duplicates++
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
		if r.Duplicates == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO engagement_counters (name, value) VALUES ('duplicates', $1)
			ON CONFLICT (name) DO UPDATE SET value = engagement_counters.value + EXCLUDED.value`,
			r.Duplicates)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert engagement: %w", err)
	}
	return r, nil
}

func (s *postgresStore) Summary(ctx context.Context) (sink.Summary, error) {
	sum := sink.Summary{ByType: map[string]int{}, ByNotification: map[string]map[string]int{}}

	rows, err := s.db.Query(ctx, `
		SELECT notification_id, event_type, count(*)
		FROM engagement_events
		GROUP BY notification_id, event_type`)
	if err != nil {
		return sink.Summary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, typ string
			n       int
		)
		if err := rows.Scan(&id, &typ, &n); err != nil {
			return sink.Summary{}, err
		}
		per := sum.ByNotification[id]
		if per == nil {
			per = map[string]int{}
			sum.ByNotification[id] = per
		}
		per[typ] += n
		sum.ByType[typ] += n
		sum.Total += n
	}
	if err := rows.Err(); err != nil {
		return sink.Summary{}, err
	}

	err = s.db.QueryRow(ctx, `SELECT value FROM engagement_counters WHERE name = 'duplicates'`).Scan(&sum.Duplicates)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return sink.Summary{}, err
	}
	return sum, nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}
