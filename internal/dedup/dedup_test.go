package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"notipipe/internal/notification"
	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func event(id string) notification.Event {
	return notification.Event{
		ID:        id,
		Type:      notification.TypeAchievement,
		Priority:  notification.PriorityNormal,
		Title:     "Badge earned",
		Body:      "You finished a course",
		CreatedAt: time.Unix(1_700_000_000, 0),
	}
}

func TestShouldShowRespectsWindow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := New(Config{Window: 300 * time.Second}, NewMemory(0), logx.Nop())
	d.SetClock(clk.now)
	ctx := context.Background()

	require.True(t, d.ShouldShow(ctx, event("E1")), "first delivery is shown")

	clk.advance(100 * time.Second)
	require.False(t, d.ShouldShow(ctx, event("E1")), "repeat inside window is suppressed")

	clk.advance(210 * time.Second)
	require.True(t, d.ShouldShow(ctx, event("E1")), "repeat after window is shown")

	st := d.Stats()
	require.Equal(t, uint64(2), st.Shown)
	require.Equal(t, uint64(1), st.Suppressed)
}

func TestShouldShowDistinguishesContent(t *testing.T) {
	d := New(Config{}, NewMemory(0), logx.Nop())
	ctx := context.Background()

	a := event("E1")
	b := event("E1")
	b.Body = "different body"
	require.True(t, d.ShouldShow(ctx, a))
	require.True(t, d.ShouldShow(ctx, b))
	require.True(t, d.ShouldShow(ctx, event("E2")))
}

type brokenCache struct{}

func (brokenCache) Claim(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, errors.New("boom")
}
func (brokenCache) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func TestShouldShowFailsOpen(t *testing.T) {
	ctx := context.Background()

	d := New(Config{}, nil, logx.Nop())
	require.True(t, d.ShouldShow(ctx, event("E1")))
	require.True(t, d.ShouldShow(ctx, event("E1")), "no cache means nothing is suppressed")

	d.SetCache(brokenCache{})
	require.True(t, d.ShouldShow(ctx, event("E1")))
	require.Equal(t, uint64(3), d.Stats().FailedOpen)
}

func TestRedisUnreachableFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	d := New(Config{LookupTimeout: 200 * time.Millisecond}, NewRedis(client, ""), logx.Nop())
	require.True(t, d.ShouldShow(context.Background(), event("E1")))
	require.True(t, d.ShouldShow(context.Background(), event("E1")))
	require.Equal(t, uint64(2), d.Stats().FailedOpen)
}

func TestMemoryCacheSweepAndCap(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c := NewMemory(2)

	ok, _ := c.Claim(ctx, "a", now, time.Minute)
	require.True(t, ok)
	ok, _ = c.Claim(ctx, "b", now.Add(time.Second), time.Minute)
	require.True(t, ok)
	ok, _ = c.Claim(ctx, "c", now.Add(2*time.Second), time.Minute)
	require.True(t, ok)
	require.Equal(t, 2, c.Len(), "earliest expiry evicted past the cap")
	require.Equal(t, uint64(1), c.Evicted())

	// "a" was evicted, so it is claimable again.
	ok, _ = c.Claim(ctx, "a", now.Add(3*time.Second), time.Minute)
	require.True(t, ok)

	n, err := c.Sweep(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Zero(t, c.Len())
	require.Equal(t, uint64(2), c.Evicted(), "expired entries are not cap evictions")
}

func TestCapEvictionsAreCounted(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := New(Config{Window: time.Minute}, NewMemory(2), logx.Nop())
	d.SetClock(clk.now)
	ctx := context.Background()

	for _, id := range []string{"E1", "E2", "E3"} {
		require.True(t, d.ShouldShow(ctx, event(id)))
		clk.advance(time.Second)
	}
	require.Equal(t, uint64(1), d.Stats().CapEvicted)

	// E1 lost its entry to the cap, so its repeat inside the window shows.
	require.True(t, d.ShouldShow(ctx, event("E1")))
	require.False(t, d.ShouldShow(ctx, event("E3")))
	require.Equal(t, uint64(2), d.Stats().CapEvicted)

	_, err := d.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), d.Stats().CapEvicted)
}

func TestStoreCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	now := time.Now()

	first := NewStore(st, 0, logx.Nop())
	ok, err := first.Claim(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh cache over the same store still suppresses.
	second := NewStore(st, 0, logx.Nop())
	ok, err = second.Claim(ctx, "k", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = second.Claim(ctx, "k", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
