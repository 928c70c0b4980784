// Package collector is the engagement sink service: it ingests outbound
// batches idempotently by correlation ID and serves aggregate summaries.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notipipe/internal/notification"
	logx "notipipe/pkg/logx"
)

const (
	DefaultAddr  = "127.0.0.1:8088"
	maxBodyBytes = 1 << 20
	// maxBatchEvents bounds one request; the pipeline sends far fewer.
	maxBatchEvents = 1000
)

type Config struct {
	Addr           string
	Token          string
	AllowedOrigins []string
}

type Server struct {
	cfg   Config
	store Store
	log   logx.Logger

	reg      *prometheus.Registry
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
	ingested *prometheus.CounterVec
}

func New(cfg Config, store Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:   cfg,
		store: store,
		log:   log,
		reg:   prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notipipe_collector_request_duration_seconds",
			Help:    "Duration of collector HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notipipe_collector_requests_total",
			Help: "Total number of collector HTTP requests.",
		}, []string{"path", "method", "status"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notipipe_collector_events_total",
			Help: "Engagement events received, by outcome.",
		}, []string{"outcome"}),
	}
	s.reg.MustRegister(s.duration, s.requests, s.ingested)
	return s
}

// Handler returns the collector's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/v1/engagement", s.handleIngest)
		r.Get("/v1/engagement/summary", s.handleSummary)
	})
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("collector listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("collector listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		s.duration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		s.requests.WithLabelValues(path, r.Method, status).Inc()
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if !strings.HasPrefix(ah, p) || strings.TrimSpace(strings.TrimPrefix(ah, p)) != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var b notification.Batch
	if err := dec.Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch: "+err.Error())
		return
	}
	if len(b.Events) > maxBatchEvents {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d events", maxBatchEvents))
		return
	}
	if b.BatchID == "" {
		b.BatchID = r.Header.Get("Idempotency-Key")
	}
	for i := range b.Events {
		if err := normalizeEvent(&b.Events[i]); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("batch[%d]: %v", i, err))
			return
		}
	}

	res, err := s.store.Insert(r.Context(), b.BatchID, b.Events)
	if err != nil {
		s.log.Error("collector insert failed", logx.String("batch_id", b.BatchID), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.ingested.WithLabelValues("accepted").Add(float64(res.Accepted))
	s.ingested.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	s.log.Debug("batch ingested",
		logx.String("batch_id", b.BatchID),
		logx.Int("accepted", res.Accepted),
		logx.Int("duplicates", res.Duplicates),
	)
	writeJSON(w, http.StatusOK, res)
}

// normalizeEvent fills defaults and rejects events the summary could not
// attribute.
func normalizeEvent(ev *notification.EngagementEvent) error {
	if strings.TrimSpace(ev.NotificationID) == "" {
		return errors.New("notificationId is required")
	}
	if ev.EventType == 0 {
		return errors.New("eventType is required")
	}
	if ev.Channel == "" {
		ev.Channel = notification.ChannelInApp
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = notification.CorrelationID(ev.NotificationID, ev.EventType)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return nil
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context())
	if err != nil {
		s.log.Error("collector summary failed", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
