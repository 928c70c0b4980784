package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notipipe/internal/eventbus"
	logx "notipipe/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := map[string]string{
		"*/5 * * * *": "*/5 * * * *",
		"@hourly":     "@hourly",
		"@every 1m":   "@every 1m",
		"10m":         "@every 10m0s",
		"00:30":       "@every 30m0s",
		"01:15":       "@every 1h15m0s",
	}
	for raw, want := range cases {
		spec, sched, err := ParseSchedule(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, spec)
		require.NotNil(t, sched)
	}

	for _, bad := range []string{"", "soon", "-5m", "00:00", "00:75", "61 * * * *"} {
		_, _, err := ParseSchedule(bad)
		require.Error(t, err, bad)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Config{Specs: map[string]string{JobCompact: "@daily", JobDedupSweep: ""}}))
	require.Error(t, Validate(Config{Timezone: "Mars/Olympus"}))
	require.Error(t, Validate(Config{Specs: map[string]string{JobOutboxFlush: "whenever"}}))
}

func TestRunNowPublishesResult(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TopicMaintenance)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	s.Register(JobDedupSweep, func(ctx context.Context) (int, error) { return 7, nil })
	s.Register(JobCompact, func(ctx context.Context) (int, error) { return 0, errors.New("disk full") })

	n, err := s.RunNow(context.Background(), JobDedupSweep)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	_, err = s.RunNow(context.Background(), JobCompact)
	require.EqualError(t, err, "disk full")

	_, err = s.RunNow(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownJob)

	first := (<-events).Data.(eventbus.MaintenanceRun)
	require.Equal(t, eventbus.MaintenanceRun{Job: JobDedupSweep, Affected: 7}, first)
	second := (<-events).Data.(eventbus.MaintenanceRun)
	require.Equal(t, "disk full", second.Err)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, JobDedupSweep, jobs[0].Name)
	require.EqualValues(t, 1, jobs[0].Runs)
	require.EqualValues(t, 1, jobs[1].Failures)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	s.Register(JobOutboxFlush, func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), JobOutboxFlush)
		done <- err
	}()
	<-started
	_, err := s.RunNow(context.Background(), JobOutboxFlush)
	require.ErrorIs(t, err, ErrBusy)
	close(release)
	require.NoError(t, <-done)
}

func TestPanickingJobReportsError(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Register(JobCompact, func(ctx context.Context) (int, error) { panic("boom") })
	_, err := s.RunNow(context.Background(), JobCompact)
	require.ErrorContains(t, err, "boom")
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(Config{Enabled: true, Specs: map[string]string{JobDedupSweep: "@every 1s"}}, logx.Nop(), nil)
	ran := make(chan struct{}, 1)
	s.Register(JobDedupSweep, func(ctx context.Context) (int, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	require.False(t, s.Jobs()[0].Next.IsZero())
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}

	s.Apply(Config{Enabled: false})
	require.True(t, s.Jobs()[0].Next.IsZero())
}
