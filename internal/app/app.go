// Package app assembles the notification pipeline from a config file and
// owns its process lifecycle: startup, hot reload and staged shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"notipipe/internal/config"
	"notipipe/internal/conn"
	"notipipe/internal/dedup"
	"notipipe/internal/engagement"
	"notipipe/internal/eventbus"
	"notipipe/internal/maintenance"
	"notipipe/internal/observability"
	"notipipe/internal/outbox"
	"notipipe/internal/pipeline"
	rtsup "notipipe/internal/runtime/supervisor"
	"notipipe/internal/storage"
	"notipipe/internal/telemetry"
	"notipipe/internal/toast"
	logx "notipipe/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dedup   *dedup.Deduplicator
	conn    *conn.Manager
	queue   *outbox.Queue
	tracker *engagement.Tracker
	pipe    *pipeline.Pipeline

	maint   *maintenance.Service
	obs     *observability.Server
	tracing *telemetry.Provider
	reg     *prometheus.Registry

	closeSink  func() error
	closeCache func() error
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logCfg, _ := mapLogConfig(cfg)
	logSvc, log := logx.New(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			_ = a.release()
			_ = a.tracing.Shutdown(context.Background())
			_ = logSvc.Close()
		}
	}()

	// Storage
	st, enabled, err := OpenStorage(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if enabled {
		a.store = st
		sc, _, _ := mapStorageConfig(cfg)
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.Bool("durable", storage.Durable(sc.Driver)))
	} else {
		a.store = storage.NewMemory()
		appLog.Warn("storage not configured; queued engagement events are lost on restart")
	}

	// Tracing goes first so the sink transport and flush spans pick it up.
	tc, _ := mapTracingConfig(cfg)
	if a.tracing, err = telemetry.Setup(context.Background(), tc, log.With(logx.String("comp", "tracing"))); err != nil {
		return nil, err
	}

	// Dedup
	dcfg, _ := mapDedupConfig(cfg)
	var cache dedup.Cache
	cache, a.closeCache = buildDedupCache(cfg, a.store, log.With(logx.String("comp", "dedup")))
	a.dedup = dedup.New(dcfg, cache, log.With(logx.String("comp", "dedup")))

	// Outbound
	sk, closeSink, err := buildSink(cfg, log.With(logx.String("comp", "sink")))
	if err != nil {
		return nil, err
	}
	a.closeSink = closeSink
	ocfg, _ := mapOutboxConfig(cfg)
	a.queue = outbox.New(ocfg, a.store, sk, log.With(logx.String("comp", "outbox")))

	// Inbound
	ccfg, _ := mapConnConfig(cfg)
	dialer, _ := mapDialer(cfg)
	a.conn = conn.New(ccfg, dialer, log.With(logx.String("comp", "conn")))

	ecfg, _ := mapEngagementConfig(cfg)
	a.tracker = engagement.New(ecfg, a.queue, func() bool {
		return a.conn.State() == conn.StateConnected
	}, log.With(logx.String("comp", "engagement")))

	tcfg, _ := mapToastConfig(cfg)
	a.pipe, err = pipeline.New(pipeline.Deps{
		Conn:    a.conn,
		Dedup:   a.dedup,
		Toasts:  toast.New(tcfg),
		Tracker: a.tracker,
		Queue:   a.queue,
		Bus:     a.bus,
		Log:     log.With(logx.String("comp", "pipeline")),
	})
	if err != nil {
		return nil, err
	}

	// Housekeeping
	mcfg, _ := mapMaintenanceConfig(cfg)
	a.maint = maintenance.New(mcfg, log.With(logx.String("comp", "maintenance")), a.bus)
	a.registerJobs()

	a.reg = newRegistry(a.pipe, a.tracker, a.queue, a.bus)
	obsCfg, _ := mapObservabilityConfig(cfg)
	a.obs = observability.New(obsCfg, a.reg, a.health, log.With(logx.String("comp", "observability")))

	ok = true
	return a, nil
}

func (a *App) registerJobs() {
	a.maint.Register(maintenance.JobDedupSweep, a.dedup.Sweep)
	a.maint.Register(maintenance.JobOutboxFlush, func(ctx context.Context) (int, error) {
		// Offline flushes would only burn retry attempts.
		if a.conn.State() != conn.StateConnected {
			return 0, nil
		}
		res := a.tracker.Drain(ctx)
		return res.Report.Sent, res.Err
	})
	a.maint.Register(maintenance.JobCompact, func(ctx context.Context) (int, error) {
		return 0, a.store.Compact(ctx)
	})
}

// Pipeline exposes the running pipeline (interaction calls, snapshots).
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional reload: a file that does not map cleanly is never
	// committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	if err := a.pipe.Start(a.sup.Context()); err != nil {
		return err
	}
	a.maint.Start(a.sup.Context())
	if a.obs.Enabled() {
		a.obs.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128,
		eventbus.TopicConnState,
		eventbus.TopicRejected,
		eventbus.TopicFlush,
		eventbus.TopicMaintenance,
	)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// apply pushes a validated config into the live components. Sections that
// own connections or files only take effect after a restart.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	var restart []string
	for _, s := range sections {
		if config.RestartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strings("sections", restart))
	}

	// Validate already ran, so the map errors below cannot fire.
	if lc, err := mapLogConfig(newCfg); err == nil {
		a.logs.Apply(lc)
	}
	if dc, err := mapDedupConfig(newCfg); err == nil {
		a.dedup.Apply(dc)
	}
	if tc, err := mapToastConfig(newCfg); err == nil {
		a.pipe.ApplyToasts(ctx, tc)
	}
	if cc, err := mapConnConfig(newCfg); err == nil {
		a.conn.Apply(cc)
	}
	if oc, err := mapOutboxConfig(newCfg); err == nil {
		a.queue.Apply(oc)
	}
	if ec, err := mapEngagementConfig(newCfg); err == nil {
		a.tracker.Apply(ec)
	}
	if mc, err := mapMaintenanceConfig(newCfg); err == nil {
		a.maint.Apply(mc)
	}
	if oc, err := mapObservabilityConfig(newCfg); err == nil {
		a.obs.Reconfigure(ctx, oc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigApplied, Data: fmt.Sprintf("%x", config.Hash(newCfg))})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case conn.Change:
		fields := []logx.Field{logx.String("from", d.From.String()), logx.String("to", d.To.String()), logx.Uint64("epoch", d.Epoch)}
		if d.Err != nil {
			fields = append(fields, logx.Err(d.Err))
		}
		a.log.Info("connection state", fields...)
	case eventbus.Rejected:
		a.log.Debug("inbound payload rejected", logx.Uint64("epoch", d.Epoch), logx.Int("size", d.Size), logx.String("reason", d.Reason))
	case engagement.FlushResult:
		a.log.Debug("engagement flush",
			logx.String("trigger", string(d.Trigger)),
			logx.Int("events", d.Events),
			logx.Bool("direct", d.Direct),
			logx.Int("sent", d.Report.Sent),
			logx.Int("dropped", d.Report.Dropped),
		)
	case eventbus.MaintenanceRun:
		a.log.Debug("maintenance run", logx.String("job", d.Job), logx.Int("affected", d.Affected), logx.String("err", d.Err))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// health backs /healthz. A backlog is reported but only a fatal
// supervisor error degrades the status.
func (a *App) health(ctx context.Context) (map[string]any, error) {
	st := a.pipe.Stats()
	details := map[string]any{
		"conn":      a.conn.State().String(),
		"displayed": st.Displayed,
		"waiting":   st.Waiting,
		"queued":    st.Engagement.Queued,
	}
	if n, err := a.queue.Len(ctx); err == nil {
		details["outbox"] = n
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return details, err
		}
	}
	return details, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.release()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so every loop starts unwinding at once.
	a.sup.Cancel()

	// step runs fn with an upper bound so one component cannot stall the
	// whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; anything still running now leaks.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// The pipeline parks pending engagement in the outbox, so storage
	// must outlive it.
	step("pipeline", 6*time.Second, a.pipe.Stop)
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("observability", 1*time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("tracing", 2*time.Second, a.tracing.Shutdown)
	step("resources", 2*time.Second, func(context.Context) error { return a.release() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// release closes the sink, the dedup cache client and storage.
func (a *App) release() error {
	var errs []error
	if a.closeSink != nil {
		errs = append(errs, a.closeSink())
		a.closeSink = nil
	}
	if a.closeCache != nil {
		errs = append(errs, a.closeCache())
		a.closeCache = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
