package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const jsonCfg = `{
  "pipeline": { "max_visible": 4, "dedup_window_ms": 60000, "user_id": "u1" },
  "logging": { "level": "debug", "console": true, "file": { "enabled": false, "path": "" } },
  "storage": { "driver": "sqlite", "path": "./state.db" },
  "transport": { "kind": "websocket", "url": "wss://rt.example.com/ws" },
  "sink": { "kind": "http", "url": "https://collect.example.com/v1/engagement" }
}`

const yamlCfg = `
pipeline:
  max_visible: 4
  dedup_window_ms: 60000
  user_id: u1
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
storage:
  driver: sqlite
  path: ./state.db
transport:
  kind: websocket
  url: wss://rt.example.com/ws
sink:
  kind: http
  url: https://collect.example.com/v1/engagement
`

const tomlCfg = `
[pipeline]
max_visible = 4
dedup_window_ms = 60000
user_id = "u1"

[logging]
level = "debug"
console = true
file = { enabled = false, path = "" }

[storage]
driver = "sqlite"
path = "./state.db"

[transport]
kind = "websocket"
url = "wss://rt.example.com/ws"

[sink]
kind = "http"
url = "https://collect.example.com/v1/engagement"
`

func TestDecodeFormatsAgree(t *testing.T) {
	j, err := Decode("c.json", []byte(jsonCfg))
	require.NoError(t, err)
	y, err := Decode("c.yaml", []byte(yamlCfg))
	require.NoError(t, err)
	tm, err := Decode("c.toml", []byte(tomlCfg))
	require.NoError(t, err)

	require.Equal(t, 4, j.Pipeline.MaxVisible)
	require.EqualValues(t, 60000, j.Pipeline.DedupWindowMS)
	require.Equal(t, "sqlite", j.Storage.Driver)
	require.Equal(t, Hash(j), Hash(y))
	require.Equal(t, Hash(j), Hash(tm))
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"pipeline":{"max_visibel":3}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_visibel")

	_, err = Decode("c.yaml", []byte("pipline:\n  max_visible: 3\n"))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yml", []byte(""))
	require.NoError(t, err)
	require.Zero(t, cfg.Pipeline.MaxVisible)
}

func TestMillis(t *testing.T) {
	d, err := Millis("x", 0, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)

	d, err = Millis("x", 1500, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, d)

	_, err = Millis("x", -1, time.Second, false)
	require.Error(t, err)

	d, err = Millis("x", -1, time.Second, true)
	require.NoError(t, err)
	require.Negative(t, d)
}

func TestSummarizeNeverLeaksSecrets(t *testing.T) {
	a := &Config{}
	b := &Config{
		Sink:      SinkConfig{Kind: "http", Token: "s3cret"},
		Dedup:     DedupConfig{Cache: "redis", Redis: RedisConfig{Addr: "localhost:6379", Password: "pw"}},
		Collector: CollectorConfig{DSN: "postgres://u:p@h/db"},
	}
	sections, attrs := SummarizeConfigChange(a, b)
	require.Equal(t, []string{"collector", "dedup", "sink"}, sections)
	require.NotEmpty(t, attrs)

	sections, _ = SummarizeConfigChange(b, b)
	require.Empty(t, sections)
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notipipe.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pipeline":{"max_visible":3}}`), 0o644))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Pipeline.MaxVisible > 10 {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Rejected by the validator: nothing is published.
	require.NoError(t, os.WriteFile(path, []byte(`{"pipeline":{"max_visible":50}}`), 0o644))
	time.Sleep(600 * time.Millisecond)
	require.Empty(t, sub)
	require.Equal(t, 3, m.Get().Pipeline.MaxVisible)

	require.NoError(t, os.WriteFile(path, []byte(`{"pipeline":{"max_visible":5}}`), 0o644))
	select {
	case cfg := <-sub:
		require.Equal(t, 5, cfg.Pipeline.MaxVisible)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	require.NoError(t, <-done)
}
