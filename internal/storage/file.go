package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"notipipe/internal/notification"
	logx "notipipe/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.outbox.snapshot.json  (periodic snapshot)
//   - <prefix>.outbox.journal.jsonl  (append-only journal of add/ack/purge)
//   - <prefix>.failures.jsonl        (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json   (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl   (append-only journal)
//
// Journals are periodically compacted into their snapshots. Reads are
// served from the in-memory view.
type fileStore struct {
	*memoryStore

	log logx.Logger

	outboxSnapshotPath string
	outboxJournal      *os.File
	failuresFile       *os.File
	dedupSnapshotPath  string
	dedupJournal       *os.File

	writes int
}

const fileCompactEvery = 1000

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

type outboxOp struct {
	Op      string        `json:"op"` // add | ack | purge
	Rec     *OutboxRecord `json:"rec,omitempty"`
	Through uint64        `json:"through,omitempty"`
}

type outboxSnapshot struct {
	NextSeq uint64         `json:"nextSeq"`
	Records []OutboxRecord `json:"records"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memoryStore:        newMemoryState(),
		log:                log,
		outboxSnapshotPath: prefix + ".outbox.snapshot.json",
		dedupSnapshotPath:  prefix + ".dedup.snapshot.json",
	}
	outboxJournalPath := prefix + ".outbox.journal.jsonl"
	failuresPath := prefix + ".failures.jsonl"
	dedupJournalPath := prefix + ".dedup.journal.jsonl"

	// Load state from snapshots + journals. Missing files are a fresh start.
	if err := s.loadOutboxSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replayOutboxJournal(outboxJournalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := loadFailures(failuresPath, &s.failures); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(dedupJournalPath, s.dedup)
	pruneExpiredDedup(s.dedup, time.Now().UnixMilli())

	var err error
	if s.outboxJournal, err = os.OpenFile(outboxJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.failuresFile, err = os.OpenFile(failuresPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.outboxJournal.Close()
		return nil, err
	}
	if s.dedupJournal, err = os.OpenFile(dedupJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.outboxJournal.Close()
		_ = s.failuresFile.Close()
		return nil, err
	}

	log.Debug("file storage opened", logx.String("prefix", prefix), logx.Int("outbox", len(s.outbox)), logx.Int("dedup", len(s.dedup)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, f := range []*os.File{s.outboxJournal, s.failuresFile, s.dedupJournal} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.outboxJournal, s.failuresFile, s.dedupJournal = nil, nil, nil
	return first
}

func (s *fileStore) AppendOutbox(ctx context.Context, at time.Time, events ...notification.EngagementEvent) ([]OutboxRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	recs := s.appendLocked(at, events)
	enc := json.NewEncoder(s.outboxJournal)
	for i := range recs {
		if err := enc.Encode(outboxOp{Op: "add", Rec: &recs[i]}); err != nil {
			// Roll back the in-memory tail so memory never runs ahead of disk.
			s.outbox = s.outbox[:len(s.outbox)-len(recs)+i]
			return nil, err
		}
	}
	s.wroteLocked()
	return recs, nil
}

func (s *fileStore) AckOutbox(ctx context.Context, through uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := json.NewEncoder(s.outboxJournal).Encode(outboxOp{Op: "ack", Through: through}); err != nil {
		return err
	}
	s.ackLocked(through)
	s.wroteLocked()
	return nil
}

func (s *fileStore) PurgeOutbox(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := json.NewEncoder(s.outboxJournal).Encode(outboxOp{Op: "purge"}); err != nil {
		return 0, err
	}
	n := len(s.outbox)
	s.outbox = nil
	s.wroteLocked()
	return n, nil
}

func (s *fileStore) OutboxStats(ctx context.Context) (OutboxStats, error) {
	st, err := s.memoryStore.OutboxStats(ctx)
	if err != nil {
		return st, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fi, err := os.Stat(s.outboxSnapshotPath); err == nil {
		st.Bytes += fi.Size()
	}
	if s.outboxJournal != nil {
		if fi, err := s.outboxJournal.Stat(); err == nil {
			st.Bytes += fi.Size()
		}
	}
	return st, nil
}

func (s *fileStore) AppendFailure(ctx context.Context, f FailureRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := json.NewEncoder(s.failuresFile).Encode(f); err != nil {
		return err
	}
	s.failures = append(s.failures, f)
	return nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournal).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.wroteLocked()
	return nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) wroteLocked() {
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	snap := outboxSnapshot{NextSeq: s.nextSeq, Records: s.outbox}
	if err := writeJSONAtomic(s.outboxSnapshotPath, snap); err != nil {
		return err
	}
	if err := truncate(s.outboxJournal); err != nil {
		return err
	}

	pruneExpiredDedup(s.dedup, time.Now().UnixMilli())
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	return truncate(s.dedupJournal)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncate(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadOutboxSnapshot() error {
	f, err := os.Open(s.outboxSnapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap outboxSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Records {
		s.restoreLocked(r)
	}
	if snap.NextSeq > s.nextSeq {
		s.nextSeq = snap.NextSeq
	}
	return nil
}

func (s *fileStore) replayOutboxJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// Rows below the snapshot's nextSeq were already folded into it.
	floor := s.nextSeq
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op outboxOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn last line after a crash; everything before it is intact.
			continue
		}
		switch op.Op {
		case "add":
			if op.Rec == nil {
				continue
			}
			if op.Rec.Seq < floor {
				continue
			}
			s.restoreLocked(*op.Rec)
		case "ack":
			s.ackLocked(op.Through)
		case "purge":
			s.outbox = nil
		}
	}
	return sc.Err()
}

func loadFailures(path string, out *[]FailureRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r FailureRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		*out = append(*out, r)
	}
	return sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}
