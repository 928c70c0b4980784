package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"notipipe/internal/notification"
	logx "notipipe/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	path string

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, path: path, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutbox(ctx context.Context, at time.Time, events ...notification.EngagementEvent) ([]OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outbox(enqueued_at, correlation, payload) VALUES(?,?,?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]OutboxRecord, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, at.UnixMilli(), ev.CorrelationID, string(b))
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, OutboxRecord{Seq: uint64(id), EnqueuedAt: time.UnixMilli(at.UnixMilli()), Event: ev})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) PeekOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, enqueued_at, payload FROM outbox ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var (
			seq     int64
			ms      int64
			payload string
		)
		if err := rows.Scan(&seq, &ms, &payload); err != nil {
			return nil, err
		}
		r := OutboxRecord{Seq: uint64(seq), EnqueuedAt: time.UnixMilli(ms)}
		if err := json.Unmarshal([]byte(payload), &r.Event); err != nil {
			return nil, fmt.Errorf("outbox row %d: %w", seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AckOutbox(ctx context.Context, through uint64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq <= ?`, int64(through))
	return err
}

func (s *sqliteStore) OutboxStats(ctx context.Context) (OutboxStats, error) {
	if s == nil || s.db == nil {
		return OutboxStats{}, ErrDisabled
	}
	var (
		n      int
		oldest sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(enqueued_at) FROM outbox`).Scan(&n, &oldest); err != nil {
		return OutboxStats{}, err
	}
	st := OutboxStats{Len: n}
	if oldest.Valid {
		st.OldestAt = time.UnixMilli(oldest.Int64)
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.Bytes = fi.Size()
	}
	return st, nil
}

func (s *sqliteStore) PurgeOutbox(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendFailure(ctx context.Context, f FailureRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if f.At.IsZero() {
		f.At = time.Now()
	}
	ids, err := json.Marshal(f.CorrelationIDs)
	if err != nil {
		return err
	}
	perm := 0
	if f.Permanent {
		perm = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failures(at, batch_id, attempts, err, permanent, correlations) VALUES(?,?,?,?,?,?)`,
		f.At.Format(time.RFC3339Nano), f.BatchID, f.Attempts, nullStr(f.Error), perm, string(ids),
	)
	return err
}

func (s *sqliteStore) ListFailures(ctx context.Context, limit int) ([]FailureRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, batch_id, attempts, err, permanent, correlations FROM failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var (
			at   string
			msg  sql.NullString
			perm int
			ids  string
			f    FailureRecord
		)
		if err := rows.Scan(&at, &f.BatchID, &f.Attempts, &msg, &perm, &ids); err != nil {
			return nil, err
		}
		f.At, _ = time.Parse(time.RFC3339Nano, at)
		f.Error = msg.String
		f.Permanent = perm != 0
		_ = json.Unmarshal([]byte(ids), &f.CorrelationIDs)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
