package app

import (
	"fmt"
	"strings"

	"notipipe/internal/config"
	"notipipe/internal/dedup"
	"notipipe/internal/sink"
	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

func mapSinkKind(cfg *config.Config) (string, error) {
	s := cfg.Sink
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	switch kind {
	case "", "http":
		if strings.TrimSpace(s.URL) == "" {
			return "", fmt.Errorf("sink.url is required when sink.kind=http")
		}
		return "http", nil
	case "nats":
		if strings.TrimSpace(s.Subject) == "" {
			return "", fmt.Errorf("sink.subject is required when sink.kind=nats")
		}
		return "nats", nil
	case "memory":
		return "memory", nil
	default:
		return "", fmt.Errorf("unknown sink.kind: %s", s.Kind)
	}
}

// buildSink returns the sink and its release func (never nil).
func buildSink(cfg *config.Config, log logx.Logger) (sink.Sink, func() error, error) {
	noop := func() error { return nil }
	kind, err := mapSinkKind(cfg)
	if err != nil {
		return nil, noop, err
	}
	s := cfg.Sink
	switch kind {
	case "nats":
		js, err := sink.NewJetStream(sink.NATSConfig{URL: s.URL, Subject: s.Subject, Token: s.Token})
		if err != nil {
			return nil, noop, err
		}
		return js, js.Close, nil
	case "memory":
		log.Warn("sink is in-memory; engagement is counted locally and never leaves the process")
		return sink.NewMemory(), noop, nil
	default:
		timeout, err := config.ParseDurationField("sink.timeout", s.Timeout)
		if err != nil {
			return nil, noop, err
		}
		return sink.NewHTTP(sink.HTTPConfig{URL: s.URL, Token: s.Token, Timeout: timeout}), noop, nil
	}
}

// buildDedupCache picks the cache backend. The release func closes any
// client the cache owns.
func buildDedupCache(cfg *config.Config, st storage.Store, log logx.Logger) (dedup.Cache, func() error) {
	d := cfg.Dedup
	switch strings.ToLower(strings.TrimSpace(d.Cache)) {
	case "store":
		return dedup.NewStore(st, d.MaxEntries, log), func() error { return nil }
	case "redis":
		client := dedup.DialRedis(d.Redis.Addr, d.Redis.Password, d.Redis.DB)
		return dedup.NewRedis(client, d.Redis.Prefix), client.Close
	default:
		return dedup.NewMemory(d.MaxEntries), func() error { return nil }
	}
}
