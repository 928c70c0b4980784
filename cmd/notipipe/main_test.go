package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notipipe/internal/notification"
	"notipipe/internal/outbox"
	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := `
logging: {level: warn}
transport: {kind: websocket, url: "ws://127.0.0.1:1/ws"}
sink: {kind: memory}
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, ": ok (hash ")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sink: {kind: ftp}\ntransport: {url: ws://x}\n"), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	require.ErrorContains(t, err, "sink.kind")

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("surprise: true\n"), 0o600))
	_, err = execute(t, "validate", "--config", unknown)
	require.Error(t, err)
}

func TestOutboxCommandsNeedStorage(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	_, err := execute(t, "outbox", "stats", "--config", path)
	require.ErrorIs(t, err, errNoStorage)
}

func TestOutboxStatsAndPurge(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state", "outbox")
	path := writeConfig(t, dir, "storage: {driver: file, path: "+state+"}\n")

	st, err := storage.Open(storage.Config{Driver: "file", Path: state}, logx.Nop())
	require.NoError(t, err)
	q := outbox.New(outbox.Config{}, st, nil, logx.Nop())
	now := time.Now()
	require.NoError(t, q.Enqueue(context.Background(),
		notification.NewEngagement("u1", "n1", notification.EngagementDelivered, now, nil),
		notification.NewEngagement("u1", "n2", notification.EngagementDelivered, now, nil),
	))
	require.NoError(t, st.Close())

	out, err := execute(t, "outbox", "stats", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "queued:  2 events")

	_, err = execute(t, "outbox", "purge", "--config", path)
	require.ErrorContains(t, err, "--yes")

	out, err = execute(t, "outbox", "purge", "--yes", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "purged 2 events")

	out, err = execute(t, "outbox", "stats", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "queued:  0 events")
}

func TestPrintFailures(t *testing.T) {
	now := time.Now()
	var out bytes.Buffer
	require.NoError(t, printFailures(&out, nil, now))
	require.Equal(t, "no failed batches\n", out.String())

	out.Reset()
	require.NoError(t, printFailures(&out, []storage.FailureRecord{
		{At: now.Add(-2 * time.Hour), BatchID: "b-1", Attempts: 5, Error: "sink: 503", CorrelationIDs: []string{"a", "b"}},
		{At: now.Add(-time.Minute), BatchID: "b-2", Attempts: 1, Error: "sink: 400 ", Permanent: true, CorrelationIDs: []string{"c"}},
	}, now))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "2 hours ago  b-1  retries exhausted after 5 attempt(s), 2 event(s): sink: 503")
	require.Contains(t, lines[1], "b-2  rejected after 1 attempt(s), 1 event(s): sink: 400")
}

func TestPrintStatsJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStats(&out, storage.OutboxStats{Len: 3, Bytes: 2048}, time.Now(), true))
	require.Contains(t, out.String(), `"len":3`)
	require.Contains(t, out.String(), `"bytes":2048`)
}
