package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"local-deals-api/internal/events"
)

const namespace = "local_deals"

// Metrics owns the service registry and its collectors.
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	eligibility *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	openSession prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		eligibility: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eligibility_checks_total",
			Help:      "Eligibility checks by outcome.",
		}, []string{"result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_sessions_total",
			Help:      "Redemption dialog transitions by outcome.",
		}, []string{"outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Recorded redemptions by proof method.",
		}, []string{"method"}),
		openSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redemption_sessions_open",
			Help:      "Redemption dialogs currently counting down.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.durations,
		m.eligibility,
		m.sessions,
		m.redemptions,
		m.openSession,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latencies keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// Subscribe feeds domain counters from the event stream.
func (m *Metrics) Subscribe(em *events.Manager) {
	em.Subscribe(m.handleEvent,
		events.EventEligibilityChecked,
		events.EventRedemptionOpened,
		events.EventRedemptionExpired,
		events.EventRedemptionCancelled,
		events.EventRedemptionConfirmed,
		events.EventRedemptionRejected,
	)
}

func (m *Metrics) handleEvent(_ context.Context, e events.Event) error {
	switch e.Type {
	case events.EventEligibilityChecked:
		result := "eligible"
		if d, ok := e.Data.(events.EligibilityData); ok && d.Reason != "" {
			result = d.Reason
		}
		m.eligibility.WithLabelValues(result).Inc()
	case events.EventRedemptionOpened:
		m.sessions.WithLabelValues("opened").Inc()
		m.openSession.Inc()
	case events.EventRedemptionExpired:
		m.sessions.WithLabelValues("expired").Inc()
		m.openSession.Dec()
	case events.EventRedemptionCancelled:
		m.sessions.WithLabelValues("cancelled").Inc()
		m.openSession.Dec()
	case events.EventRedemptionRejected:
		m.sessions.WithLabelValues("rejected").Inc()
	case events.EventRedemptionConfirmed:
		m.sessions.WithLabelValues("confirmed").Inc()
		if d, ok := e.Data.(events.RedemptionData); ok {
			m.redemptions.WithLabelValues(string(d.Redemption.Method)).Inc()
			if !d.Stale {
				m.openSession.Dec()
			}
		}
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
