package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"notipipe/internal/conn"
	"notipipe/internal/engagement"
	"notipipe/internal/eventbus"
	"notipipe/internal/outbox"
	"notipipe/internal/pipeline"
)

const backlogTimeout = 500 * time.Millisecond

// newRegistry exposes the runtime plus every pipeline counter.
func newRegistry(p *pipeline.Pipeline, t *engagement.Tracker, q *outbox.Queue, bus eventbus.Bus) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		engagement.NewCollector(t),
	)

	counter := func(name, help string, fn func(pipeline.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(fn(p.Stats()))
		})
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
	}

	reg.MustRegister(
		counter("notipipe_inbound_received_total", "Inbound payloads read from the connection.", func(s pipeline.Stats) uint64 { return s.Received }),
		counter("notipipe_inbound_stale_total", "Inbound payloads dropped for a stale connection epoch.", func(s pipeline.Stats) uint64 { return s.Stale }),
		counter("notipipe_inbound_malformed_total", "Inbound payloads rejected as malformed.", func(s pipeline.Stats) uint64 { return s.Malformed }),
		counter("notipipe_dedup_suppressed_total", "Notifications suppressed as duplicates.", func(s pipeline.Stats) uint64 { return s.Suppressed }),
		counter("notipipe_dedup_cap_evicted_total", "Live dedup entries evicted by the cache size cap.", func(s pipeline.Stats) uint64 { return s.Dedup.CapEvicted }),
		counter("notipipe_dedup_failed_open_total", "Dedup lookups that failed open.", func(s pipeline.Stats) uint64 { return s.Dedup.FailedOpen }),
		counter("notipipe_toast_admitted_total", "Notifications admitted to the toast scheduler.", func(s pipeline.Stats) uint64 { return s.Admitted }),
		counter("notipipe_conn_dials_total", "Connection attempts.", func(s pipeline.Stats) uint64 { return s.Conn.Dials }),
		counter("notipipe_conn_dial_errors_total", "Failed connection attempts.", func(s pipeline.Stats) uint64 { return s.Conn.DialErrors }),
		counter("notipipe_outbox_flushes_total", "Outbox flush passes.", func(s pipeline.Stats) uint64 { return s.Outbox.Flushes }),
		counter("notipipe_outbox_send_failures_total", "Failed sink calls.", func(s pipeline.Stats) uint64 { return s.Outbox.SendFailures }),

		gauge("notipipe_toast_displayed", "Toasts on screen.", func() float64 { return float64(p.Stats().Displayed) }),
		gauge("notipipe_toast_waiting", "Toasts waiting for a slot.", func() float64 { return float64(p.Stats().Waiting) }),
		gauge("notipipe_conn_connected", "1 while the connection is up.", func() float64 {
			if p.State() == conn.StateConnected {
				return 1
			}
			return 0
		}),
		gauge("notipipe_outbox_backlog", "Engagement events waiting in the outbox.", func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), backlogTimeout)
			defer cancel()
			n, err := q.Len(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		}),
	)

	if c, ok := bus.(eventbus.Counter); ok {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "notipipe_eventbus_dropped_total",
			Help: "Bus deliveries dropped for slow subscribers.",
		}, func() float64 { return float64(c.Dropped()) }))
	}
	return reg
}
