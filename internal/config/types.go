package config

// Config is the on-disk file model. JSON, YAML and TOML files share these
// keys; unknown keys are rejected.
//
// Pipeline knobs keep millisecond integers (max_visible, *_ms). Everything
// else uses Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Pipeline      PipelineConfig      `json:"pipeline"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Dedup         DedupConfig         `json:"dedup,omitempty"`
	Transport     TransportConfig     `json:"transport"`
	Sink          SinkConfig          `json:"sink"`
	Preferences   PreferencesConfig   `json:"preferences,omitempty"`
	Maintenance   MaintenanceConfig   `json:"maintenance,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
	Tracing       TracingConfig       `json:"tracing,omitempty"`
	Collector     CollectorConfig     `json:"collector,omitempty"`
}

// PipelineConfig holds the delivery and batching knobs.
//
// Defaults (when omitted or 0):
//   - max_visible: 3
//   - dedup_window_ms: 300000
//   - grouping_window_ms: 30000 (negative disables grouping)
//   - batch_size: 10
//   - batch_interval_ms: 5000
//   - max_retries: 5
//   - backoff_base_ms: 500
//   - backoff_cap_ms: 30000
type PipelineConfig struct {
	MaxVisible       int   `json:"max_visible,omitempty"`
	DedupWindowMS    int64 `json:"dedup_window_ms,omitempty"`
	GroupingWindowMS int64 `json:"grouping_window_ms,omitempty"`
	BatchSize        int   `json:"batch_size,omitempty"`
	BatchIntervalMS  int64 `json:"batch_interval_ms,omitempty"`
	MaxRetries       int   `json:"max_retries,omitempty"`
	BackoffBaseMS    int64 `json:"backoff_base_ms,omitempty"`
	BackoffCapMS     int64 `json:"backoff_cap_ms,omitempty"`

	// UserID is the viewing user stamped on engagement events.
	UserID string `json:"user_id,omitempty"`

	// AutoDismiss overrides the per-tier display durations.
	AutoDismiss *AutoDismissConfig `json:"auto_dismiss,omitempty"`
}

type AutoDismissConfig struct {
	Critical string `json:"critical,omitempty"`
	Urgent   string `json:"urgent,omitempty"`
	High     string `json:"high,omitempty"`
	Normal   string `json:"normal,omitempty"`
	Low      string `json:"low,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects where the offline queue and dedup cache live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notipipe.db" }
//
// Omitted, or driver "memory", keeps everything in memory; queued
// engagement is then lost on restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// DedupConfig picks the dedup cache backend.
type DedupConfig struct {
	// Cache is "memory" (default), "store" or "redis".
	Cache         string      `json:"cache,omitempty"`
	MaxEntries    int         `json:"max_entries,omitempty"`
	LookupTimeout string      `json:"lookup_timeout,omitempty"`
	Redis         RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// TransportConfig is the inbound real-time channel.
type TransportConfig struct {
	// Kind is "websocket" or "nats".
	Kind         string            `json:"kind"`
	URL          string            `json:"url"`
	Subject      string            `json:"subject,omitempty"` // nats
	Token        string            `json:"token,omitempty"`   // never logged
	Headers      map[string]string `json:"headers,omitempty"` // websocket handshake
	DialTimeout  string            `json:"dial_timeout,omitempty"`
	PingInterval string            `json:"ping_interval,omitempty"`
	// MaxMessageBytes caps one inbound websocket frame.
	MaxMessageBytes int64 `json:"max_message_bytes,omitempty"`
}

// SinkConfig is where engagement batches go.
type SinkConfig struct {
	// Kind is "http", "nats" or "memory".
	Kind       string  `json:"kind"`
	URL        string  `json:"url,omitempty"`
	Subject    string  `json:"subject,omitempty"` // nats
	Token      string  `json:"token,omitempty"`   // never logged
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// PreferencesConfig mirrors the user-preference collaborator.
type PreferencesConfig struct {
	// EnabledTypes limits admitted notification types; empty admits all.
	EnabledTypes []string         `json:"enabled_types,omitempty"`
	QuietHours   QuietHoursConfig `json:"quiet_hours,omitempty"`
}

// QuietHoursConfig uses "HH:MM" local times; the window may wrap midnight.
type QuietHoursConfig struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// MaintenanceConfig schedules housekeeping with cron specs (5 fields, or
// descriptors such as "@every 1m"). An empty spec disables that job.
type MaintenanceConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	DedupSweep  string `json:"dedup_sweep,omitempty"`
	OutboxFlush string `json:"outbox_flush,omitempty"`
	Compact     string `json:"compact,omitempty"`
}

// ObservabilityConfig controls the local HTTP server for /metrics,
// /healthz and /debug/pprof/.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof/
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// TracingConfig exports flush spans over OTLP/HTTP.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"` // host:port
	Insecure    bool    `json:"insecure,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

// CollectorConfig configures `notipipe collect`.
type CollectorConfig struct {
	Addr           string   `json:"addr,omitempty"`
	Store          string   `json:"store,omitempty"` // memory | postgres
	DSN            string   `json:"dsn,omitempty"`   // never logged
	Token          string   `json:"token,omitempty"` // never logged
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}
