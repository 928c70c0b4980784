package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "notipipe/pkg/logx"
)

// RestartSections cannot be applied live; the app logs a warning instead.
var RestartSections = map[string]bool{
	"storage":   true,
	"dedup":     true,
	"transport": true,
	"sink":      true,
	"tracing":   true,
	"collector": true,
}

// SummarizeConfigChange returns the changed section names (sorted) and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		p := newCfg.Pipeline
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.max_visible", p.MaxVisible),
			logx.Int64("pipeline.dedup_window_ms", p.DedupWindowMS),
			logx.Int64("pipeline.grouping_window_ms", p.GroupingWindowMS),
			logx.Int("pipeline.batch_size", p.BatchSize),
			logx.Int64("pipeline.batch_interval_ms", p.BatchIntervalMS),
			logx.Int("pipeline.max_retries", p.MaxRetries),
			logx.Bool("pipeline.auto_dismiss_set", p.AutoDismiss != nil),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.cache", newCfg.Dedup.Cache),
			logx.Bool("dedup.redis_addr_set", newCfg.Dedup.Redis.Addr != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.kind", newCfg.Transport.Kind),
			logx.Bool("transport.token_set", newCfg.Transport.Token != ""),
		)
	}

	if oldCfg.Sink != newCfg.Sink {
		changed = append(changed, "sink")
		attrs = append(attrs,
			logx.String("sink.kind", newCfg.Sink.Kind),
			logx.Bool("sink.token_set", newCfg.Sink.Token != ""),
			logx.Float64("sink.rate_per_sec", newCfg.Sink.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Preferences, newCfg.Preferences) {
		changed = append(changed, "preferences")
		attrs = append(attrs,
			logx.Strings("preferences.enabled_types", newCfg.Preferences.EnabledTypes),
			logx.Bool("preferences.quiet_hours", newCfg.Preferences.QuietHours.Enabled),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled))
	}

	if oldCfg.Observability != newCfg.Observability {
		o := newCfg.Observability
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", o.Enabled),
			logx.String("observability.addr", strings.TrimSpace(o.Addr)),
			logx.Bool("observability.pprof", o.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(o.Token) != ""),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.Bool("tracing.enabled", newCfg.Tracing.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Collector, newCfg.Collector) {
		changed = append(changed, "collector")
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
