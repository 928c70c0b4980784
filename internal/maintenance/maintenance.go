// Package maintenance runs housekeeping jobs on cron schedules: dedup
// sweeps, periodic outbox flushes and storage compaction.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"notipipe/internal/eventbus"
	logx "notipipe/pkg/logx"
)

const (
	JobDedupSweep  = "dedup.sweep"
	JobOutboxFlush = "outbox.flush"
	JobCompact     = "storage.compact"

	defaultJobTimeout = 30 * time.Second
)

var (
	ErrUnknownJob = errors.New("maintenance: unknown job")
	ErrBusy       = errors.New("maintenance: job already running")
)

// RunFunc does one unit of housekeeping and reports how many items it
// touched.
type RunFunc func(ctx context.Context) (int, error)

type Config struct {
	Enabled  bool
	Timezone string
	// Specs maps job name to schedule; an empty spec leaves the job
	// registered but unscheduled.
	Specs   map[string]string
	Timeout time.Duration
}

type job struct {
	name    string
	run     RunFunc
	running atomic.Bool

	runs     atomic.Uint64
	failures atomic.Uint64
	lastRun  atomic.Int64 // unix nanos
}

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	jobs map[string]*job
	ids  map[string]cron.EntryID
	c    *cron.Cron
	ctx  context.Context
	// timeout is read by running jobs without mu; Apply holds mu while
	// waiting for them.
	timeout atomic.Int64

	log logx.Logger
	bus eventbus.Bus
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:  cfg,
		jobs: map[string]*job{},
		ids:  map[string]cron.EntryID{},
		log:  log,
		bus:  bus,
	}
	s.timeout.Store(int64(cfg.Timeout))
	return s
}

// Validate checks the timezone and every schedule without applying them.
func Validate(cfg Config) error {
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	for name, spec := range cfg.Specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, _, err := ParseSchedule(spec); err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
	}
	return nil
}

// Register adds a job. Registering after Start takes effect on the next
// Apply.
func (s *Service) Register(name string, run RunFunc) {
	s.mu.Lock()
	s.jobs[name] = &job{name: name, run: run}
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins cron triggering. Jobs run under ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

// Apply swaps the config and rebuilds the cron table when running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.timeout.Store(int64(cfg.Timeout))
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if cfg.Enabled && s.ctx != nil && s.ctx.Err() == nil {
		s.startLocked()
	}
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid maintenance timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	s.ids = map[string]cron.EntryID{}

	ctx := s.ctx
	for name, j := range s.jobs {
		raw := strings.TrimSpace(s.cfg.Specs[name])
		if raw == "" {
			continue
		}
		_, sched, err := ParseSchedule(raw)
		if err != nil {
			s.log.Warn("maintenance job not scheduled", logx.String("job", name), logx.Err(err))
			continue
		}
		j := j
		s.ids[name] = s.c.Schedule(sched, cron.FuncJob(func() {
			_, err := s.run(ctx, j)
			if errors.Is(err, ErrBusy) {
				s.log.Debug("maintenance job skipped; previous run still active", logx.String("job", j.name))
			}
		}))
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.ids)))
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	j := s.jobs[name]
	s.mu.Unlock()
	if j == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Service) run(ctx context.Context, j *job) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// Overlapping runs are skipped, not queued.
	if !j.running.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer j.running.Store(false)

	timeout := time.Duration(s.timeout.Load())
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := func() (n int, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in maintenance job %s: %v", j.name, r)
			}
		}()
		return j.run(rctx)
	}()
	j.runs.Add(1)
	j.lastRun.Store(start.UnixNano())

	ev := eventbus.MaintenanceRun{Job: j.name, Affected: n}
	if err != nil {
		j.failures.Add(1)
		ev.Err = err.Error()
		s.log.Warn("maintenance job failed", logx.String("job", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
	} else {
		s.log.Debug("maintenance job done", logx.String("job", j.name), logx.Int("affected", n), logx.Duration("took", time.Since(start)))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicMaintenance, Data: ev})
	}
	return n, err
}

// Jobs lists registered jobs sorted by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			Name:     name,
			Spec:     strings.TrimSpace(s.cfg.Specs[name]),
			Runs:     j.runs.Load(),
			Failures: j.failures.Load(),
		}
		if ns := j.lastRun.Load(); ns != 0 {
			info.LastRun = time.Unix(0, ns)
		}
		if id, ok := s.ids[name]; ok && s.c != nil {
			info.Next = s.c.Entry(id).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}
