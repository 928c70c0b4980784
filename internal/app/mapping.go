package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"notipipe/internal/collector"
	"notipipe/internal/config"
	"notipipe/internal/conn"
	"notipipe/internal/dedup"
	"notipipe/internal/engagement"
	"notipipe/internal/maintenance"
	"notipipe/internal/notification"
	"notipipe/internal/observability"
	"notipipe/internal/outbox"
	"notipipe/internal/storage"
	"notipipe/internal/telemetry"
	"notipipe/internal/toast"
	logx "notipipe/pkg/logx"
)

// Pipeline defaults applied when a key is omitted or 0.
const (
	defaultDedupWindow   = 5 * time.Minute
	defaultBatchInterval = 5 * time.Second
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffCap    = 30 * time.Second
)

func mapLogConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	if lc.Level != "" && !logx.ValidLevel(lc.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", lc.Level)
	}
	if lc.File.Enabled && strings.TrimSpace(lc.File.Path) == "" {
		return logx.Config{}, fmt.Errorf("logging.file.path is required when logging.file.enabled")
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}, nil
}

// mapStorageConfig returns enabled=false when storage is omitted; the app
// then keeps state in memory.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStorage opens the configured store. ok is false when storage is not
// configured; callers decide whether memory is an acceptable fallback.
func OpenStorage(cfg *config.Config, log logx.Logger) (st storage.Store, ok bool, err error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, false, err
	}
	st, err = storage.Open(sc, log)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	window, err := config.Millis("pipeline.dedup_window_ms", cfg.Pipeline.DedupWindowMS, defaultDedupWindow, false)
	if err != nil {
		return dedup.Config{}, err
	}
	lookup, err := config.ParseDurationField("dedup.lookup_timeout", cfg.Dedup.LookupTimeout)
	if err != nil {
		return dedup.Config{}, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Dedup.Cache)) {
	case "", "memory", "store":
	case "redis":
		if strings.TrimSpace(cfg.Dedup.Redis.Addr) == "" {
			return dedup.Config{}, fmt.Errorf("dedup.redis.addr is required when dedup.cache=redis")
		}
	default:
		return dedup.Config{}, fmt.Errorf("unknown dedup.cache: %s", cfg.Dedup.Cache)
	}
	if cfg.Dedup.MaxEntries < 0 {
		return dedup.Config{}, fmt.Errorf("dedup.max_entries must be >= 0")
	}
	return dedup.Config{Window: window, LookupTimeout: lookup}, nil
}

func mapToastConfig(cfg *config.Config) (toast.Config, error) {
	p := cfg.Pipeline
	if p.MaxVisible < 0 {
		return toast.Config{}, fmt.Errorf("pipeline.max_visible must be >= 1")
	}
	// 0 keeps the default; a negative window disables grouping.
	grouping, err := config.Millis("pipeline.grouping_window_ms", p.GroupingWindowMS, toast.DefaultGroupingWindow, true)
	if err != nil {
		return toast.Config{}, err
	}

	var durs toast.Durations
	if ad := p.AutoDismiss; ad != nil {
		fields := []struct {
			key string
			raw string
			dst *time.Duration
		}{
			{"pipeline.auto_dismiss.critical", ad.Critical, &durs.Critical},
			{"pipeline.auto_dismiss.urgent", ad.Urgent, &durs.Urgent},
			{"pipeline.auto_dismiss.high", ad.High, &durs.High},
			{"pipeline.auto_dismiss.normal", ad.Normal, &durs.Normal},
			{"pipeline.auto_dismiss.low", ad.Low, &durs.Low},
		}
		for _, f := range fields {
			d, err := config.ParseDurationField(f.key, f.raw)
			if err != nil {
				return toast.Config{}, err
			}
			*f.dst = d
		}
	}

	types := make([]notification.Type, 0, len(cfg.Preferences.EnabledTypes))
	for _, raw := range cfg.Preferences.EnabledTypes {
		t, err := notification.ParseType(raw)
		if err != nil {
			return toast.Config{}, fmt.Errorf("preferences.enabled_types: %w", err)
		}
		types = append(types, t)
	}

	qh, err := mapQuietHours(cfg.Preferences.QuietHours)
	if err != nil {
		return toast.Config{}, err
	}

	return toast.Config{
		MaxVisible:     p.MaxVisible,
		GroupingWindow: grouping,
		Durations:      durs,
		EnabledTypes:   types,
		QuietHours:     qh,
	}, nil
}

func mapQuietHours(q config.QuietHoursConfig) (toast.QuietHours, error) {
	if !q.Enabled {
		return toast.QuietHours{}, nil
	}
	start, err := parseClock("preferences.quiet_hours.start", q.Start)
	if err != nil {
		return toast.QuietHours{}, err
	}
	end, err := parseClock("preferences.quiet_hours.end", q.End)
	if err != nil {
		return toast.QuietHours{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(q.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return toast.QuietHours{}, fmt.Errorf("preferences.quiet_hours.timezone: invalid %q: %w", tz, err)
		}
	}
	return toast.QuietHours{Enabled: true, Start: start, End: end, Location: loc}, nil
}

// parseClock reads "HH:MM" as an offset from midnight.
func parseClock(key, raw string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: want HH:MM, got %q", key, raw)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func mapBackoff(cfg *config.Config) (base, capped time.Duration, err error) {
	base, err = config.Millis("pipeline.backoff_base_ms", cfg.Pipeline.BackoffBaseMS, defaultBackoffBase, false)
	if err != nil {
		return 0, 0, err
	}
	capped, err = config.Millis("pipeline.backoff_cap_ms", cfg.Pipeline.BackoffCapMS, defaultBackoffCap, false)
	if err != nil {
		return 0, 0, err
	}
	if capped < base {
		return 0, 0, fmt.Errorf("pipeline.backoff_cap_ms must be >= pipeline.backoff_base_ms")
	}
	return base, capped, nil
}

func mapConnConfig(cfg *config.Config) (conn.Config, error) {
	base, capped, err := mapBackoff(cfg)
	if err != nil {
		return conn.Config{}, err
	}
	dial, err := config.ParseDurationField("transport.dial_timeout", cfg.Transport.DialTimeout)
	if err != nil {
		return conn.Config{}, err
	}
	return conn.Config{BackoffBase: base, BackoffCap: capped, DialTimeout: dial}, nil
}

// mapDialer builds the inbound transport.
func mapDialer(cfg *config.Config) (conn.Dialer, error) {
	t := cfg.Transport
	switch strings.ToLower(strings.TrimSpace(t.Kind)) {
	case "", "websocket", "ws":
		if strings.TrimSpace(t.URL) == "" {
			return nil, fmt.Errorf("transport.url is required")
		}
		ping, err := config.ParseDurationField("transport.ping_interval", t.PingInterval)
		if err != nil {
			return nil, err
		}
		h := http.Header{}
		for k, v := range t.Headers {
			h.Set(k, v)
		}
		if t.Token != "" {
			h.Set("Authorization", "Bearer "+t.Token)
		}
		return conn.NewWebSocketDialer(conn.WebSocketConfig{
			URL:             t.URL,
			Header:          h,
			PingInterval:    ping,
			MaxMessageBytes: t.MaxMessageBytes,
		}), nil
	case "nats":
		if strings.TrimSpace(t.Subject) == "" {
			return nil, fmt.Errorf("transport.subject is required when transport.kind=nats")
		}
		return conn.NewNATSDialer(conn.NATSConfig{URL: t.URL, Subject: t.Subject, Token: t.Token}), nil
	default:
		return nil, fmt.Errorf("unknown transport.kind: %s", t.Kind)
	}
}

func mapOutboxConfig(cfg *config.Config) (outbox.Config, error) {
	p := cfg.Pipeline
	if p.BatchSize < 0 {
		return outbox.Config{}, fmt.Errorf("pipeline.batch_size must be >= 1")
	}
	if p.MaxRetries < 0 {
		return outbox.Config{}, fmt.Errorf("pipeline.max_retries must be >= 1")
	}
	base, capped, err := mapBackoff(cfg)
	if err != nil {
		return outbox.Config{}, err
	}
	timeout, err := config.ParseDurationField("sink.timeout", cfg.Sink.Timeout)
	if err != nil {
		return outbox.Config{}, err
	}
	if cfg.Sink.RatePerSec < 0 || cfg.Sink.Burst < 0 {
		return outbox.Config{}, fmt.Errorf("sink.rate_per_sec and sink.burst must be >= 0")
	}
	return outbox.Config{
		BatchSize:   p.BatchSize,
		MaxRetries:  p.MaxRetries,
		BackoffBase: base,
		BackoffCap:  capped,
		RatePerSec:  cfg.Sink.RatePerSec,
		Burst:       cfg.Sink.Burst,
		SendTimeout: timeout,
	}, nil
}

func mapEngagementConfig(cfg *config.Config) (engagement.Config, error) {
	p := cfg.Pipeline
	interval, err := config.Millis("pipeline.batch_interval_ms", p.BatchIntervalMS, defaultBatchInterval, false)
	if err != nil {
		return engagement.Config{}, err
	}
	if p.BatchSize < 0 {
		return engagement.Config{}, fmt.Errorf("pipeline.batch_size must be >= 1")
	}
	return engagement.Config{BatchSize: p.BatchSize, BatchInterval: interval, UserID: p.UserID}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	mc := maintenance.Config{
		Enabled:  m.Enabled,
		Timezone: m.Timezone,
		Specs: map[string]string{
			maintenance.JobDedupSweep:  m.DedupSweep,
			maintenance.JobOutboxFlush: m.OutboxFlush,
			maintenance.JobCompact:     m.Compact,
		},
	}
	if err := maintenance.Validate(mc); err != nil {
		return maintenance.Config{}, err
	}
	return mc, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	read, err := config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	// profile?seconds=30 needs a long write timeout.
	write, err := config.ParseDurationOrDefault("observability.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	if o.MutexProfileFraction < 0 || o.BlockProfileRate < 0 {
		return observability.Config{}, fmt.Errorf("observability profile rates must be >= 0")
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = observability.DefaultAddr
	}
	return observability.Config{
		Enabled:              o.Enabled,
		Addr:                 addr,
		Pprof:                o.Pprof,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}

func mapTracingConfig(cfg *config.Config) (telemetry.Config, error) {
	t := cfg.Tracing
	tc := telemetry.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
		SampleRatio: t.SampleRatio,
	}
	return tc, tc.Validate()
}

// MapCollectorConfig is shared with the collect command.
func MapCollectorConfig(cfg *config.Config) (collector.Config, string, string, error) {
	c := cfg.Collector
	store := strings.ToLower(strings.TrimSpace(c.Store))
	switch store {
	case "", "memory":
		store = "memory"
	case "postgres", "pg":
		if strings.TrimSpace(c.DSN) == "" {
			return collector.Config{}, "", "", fmt.Errorf("collector.dsn is required when collector.store=postgres")
		}
		store = "postgres"
	default:
		return collector.Config{}, "", "", fmt.Errorf("unknown collector.store: %s", c.Store)
	}
	return collector.Config{Addr: c.Addr, Token: c.Token, AllowedOrigins: c.AllowedOrigins}, store, c.DSN, nil
}

// Validate checks every section the way startup would map it. It is the
// hot-reload gate and backs the validate command.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if _, err := mapLogConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDedupConfig(cfg); err != nil {
		return err
	}
	if _, err := mapToastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapConnConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDialer(cfg); err != nil {
		return err
	}
	if _, err := mapOutboxConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngagementConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSinkKind(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTracingConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := MapCollectorConfig(cfg); err != nil {
		return err
	}
	return nil
}
