package dedup

import (
	"context"
	"sync"
	"time"

	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

// MemoryCache is an in-process Cache with a max-entries cap. Past the cap
// the entries closest to expiry go first, live or not, so a burst of more
// than max distinct notifications inside one window can show a repeat.
type MemoryCache struct {
	mu      sync.Mutex
	until   map[string]time.Time
	max     int
	evicted uint64 // live entries dropped by the cap
}

// NewMemory returns a MemoryCache holding at most max entries (0 means 2000).
func NewMemory(max int) *MemoryCache {
	if max <= 0 {
		max = 2000
	}
	return &MemoryCache{until: map[string]time.Time{}, max: max}
}

func (c *MemoryCache) Claim(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.until[key]; ok {
		if now.Before(until) {
			return false, nil
		}
		// Lazy eviction on lookup.
		delete(c.until, key)
	}
	c.until[key] = now.Add(window)
	c.capLocked(now)
	return true, nil
}

// Seed installs a known suppression without reporting it as shown.
func (c *MemoryCache) Seed(key string, until time.Time) {
	c.mu.Lock()
	c.until[key] = until
	c.mu.Unlock()
}

func (c *MemoryCache) Sweep(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(now), nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}

// Evicted counts entries the cap removed before their window ended.
func (c *MemoryCache) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

func (c *MemoryCache) pruneLocked(now time.Time) int {
	n := 0
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) capLocked(now time.Time) {
	if len(c.until) <= c.max {
		return
	}
	c.pruneLocked(now)
	// Remove entries with earliest expiry until within cap.
	for len(c.until) > c.max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range c.until {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			break
		}
		delete(c.until, minKey)
		c.evicted++
	}
}

// StoreCache fronts a storage.Store with a MemoryCache so suppression
// survives restarts when the store is durable. Store failures degrade to the
// memory layer; they are logged, not returned.
type StoreCache struct {
	mem   *MemoryCache
	store storage.Store
	log   logx.Logger
}

func NewStore(st storage.Store, max int, log logx.Logger) *StoreCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StoreCache{mem: NewMemory(max), store: st, log: log}
}

func (c *StoreCache) Claim(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	if c.store != nil {
		until, ok, err := c.store.GetDedup(ctx, key)
		switch {
		case err != nil:
			c.log.Debug("dedup store lookup failed", logx.Err(err))
		case ok && now.Before(until):
			c.mem.Seed(key, until)
			return false, nil
		}
	}
	show, err := c.mem.Claim(ctx, key, now, window)
	if err != nil || !show {
		return show, err
	}
	if c.store != nil {
		if err := c.store.PutDedup(ctx, key, now.Add(window)); err != nil {
			c.log.Debug("dedup store write failed", logx.Err(err))
		}
	}
	return true, nil
}

func (c *StoreCache) Evicted() uint64 { return c.mem.Evicted() }

func (c *StoreCache) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, _ := c.mem.Sweep(ctx, now)
	if c.store == nil {
		return n, nil
	}
	m, err := c.store.PruneDedup(ctx, now)
	return n + m, err
}
