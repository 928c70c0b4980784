// Package dedup suppresses repeat presentation of identical notifications
// within a time window.
//
// The Deduplicator fails open: when its cache is missing or errors, the
// notification is shown.
package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notipipe/internal/notification"
	logx "notipipe/pkg/logx"
)

const DefaultWindow = 5 * time.Minute

var ErrUnavailable = errors.New("dedup cache unavailable")

// Cache maps a content hash to the instant its suppression ends.
type Cache interface {
	// Claim records key as shown at now if it is not currently suppressed.
	// It reports whether the caller should show the notification.
	Claim(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
	// Sweep drops entries whose window ended before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// capped is implemented by caches that evict live entries past a size cap.
type capped interface {
	Evicted() uint64
}

type Config struct {
	Window time.Duration
	// LookupTimeout bounds one cache call; 0 means 250ms.
	LookupTimeout time.Duration
}

type Stats struct {
	Shown      uint64 `json:"shown"`
	Suppressed uint64 `json:"suppressed"`
	FailedOpen uint64 `json:"failedOpen"`
	CapEvicted uint64 `json:"capEvicted"`
}

// Deduplicator is safe for concurrent use.
type Deduplicator struct {
	mu    sync.RWMutex
	cfg   Config
	cache Cache

	log logx.Logger
	now func() time.Time

	shown      atomic.Uint64
	suppressed atomic.Uint64
	failedOpen atomic.Uint64
	// capSeen is the cap eviction count at the last sweep.
	capSeen atomic.Uint64
}

// New builds a Deduplicator. cache may be nil until SetCache is called;
// until then every notification is shown.
func New(cfg Config, cache Cache, log logx.Logger) *Deduplicator {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Deduplicator{cache: cache, log: log, now: time.Now}
	d.Apply(cfg)
	return d
}

// Apply swaps the window and timeout at runtime.
func (d *Deduplicator) Apply(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 250 * time.Millisecond
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Deduplicator) SetCache(c Cache) {
	d.mu.Lock()
	d.cache = c
	d.mu.Unlock()
}

// SetClock overrides the time source. Tests only.
func (d *Deduplicator) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// ShouldShow reports whether ev should be presented, recording it as shown
// when it is.
func (d *Deduplicator) ShouldShow(ctx context.Context, ev notification.Event) bool {
	d.mu.RLock()
	cfg, cache, now := d.cfg, d.cache, d.now()
	d.mu.RUnlock()

	if cache == nil {
		d.failOpen(ev, ErrUnavailable)
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout)
	show, err := cache.Claim(cctx, ev.ContentHash(), now, cfg.Window)
	cancel()
	if err != nil {
		d.failOpen(ev, err)
		return true
	}
	if show {
		d.shown.Add(1)
		return true
	}
	d.suppressed.Add(1)
	d.log.Debug("notification suppressed as duplicate", logx.String("id", ev.ID), logx.Duration("window", cfg.Window))
	return false
}

func (d *Deduplicator) failOpen(ev notification.Event, err error) {
	d.failedOpen.Add(1)
	d.shown.Add(1)
	d.log.Warn("dedup cache unavailable; showing notification", logx.String("id", ev.ID), logx.Err(err))
}

// Sweep evicts expired entries. The maintenance scheduler calls it
// periodically so memory stays bounded between lookups.
func (d *Deduplicator) Sweep(ctx context.Context) (int, error) {
	d.mu.RLock()
	cache, now := d.cache, d.now()
	d.mu.RUnlock()
	if cache == nil {
		return 0, nil
	}
	if c, ok := cache.(capped); ok {
		total := c.Evicted()
		if prev := d.capSeen.Swap(total); total > prev {
			d.log.Warn("dedup cache full; live entries evicted",
				logx.Uint64("evicted", total-prev), logx.Uint64("total", total))
		}
	}
	return cache.Sweep(ctx, now)
}

func (d *Deduplicator) Stats() Stats {
	st := Stats{
		Shown:      d.shown.Load(),
		Suppressed: d.suppressed.Load(),
		FailedOpen: d.failedOpen.Load(),
	}
	d.mu.RLock()
	cache := d.cache
	d.mu.RUnlock()
	if c, ok := cache.(capped); ok {
		st.CapEvicted = c.Evicted()
	}
	return st
}
