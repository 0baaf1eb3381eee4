package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "upscaler"

// Metrics owns a private registry so tests and multiple servers do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	requests     *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Labels: model, ratio, outcome (ok or an error kind)
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "total",
			Help:      "Single upscaling passes by model, ratio and outcome",
		}, []string{"model", "ratio", "outcome"}),

		passDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "duration_seconds",
			Help:      "Wall time of a single upscaling pass",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"model", "ratio"}),

		// Labels: surface (http, telegram, cli), outcome
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Upscale requests by surface and outcome",
		}, []string{"surface", "outcome"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts a finished upscale request on the given surface.
func (m *Metrics) ObserveRequest(surface string, err error) {
	m.requests.WithLabelValues(surface, Outcome(err)).Inc()
}

// Middleware records request counts and latency per matched gin route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		m.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}

	var e *domain.Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return string(domain.KindCanceled)
	}

	return string(domain.KindInternal)
}

// InstrumentedRunner wraps a PassRunner and records every pass.
type InstrumentedRunner struct {
	next    port.PassRunner
	metrics *Metrics
}

func NewInstrumentedRunner(next port.PassRunner, m *Metrics) *InstrumentedRunner {
	return &InstrumentedRunner{next: next, metrics: m}
}

func (r *InstrumentedRunner) RunPass(ctx context.Context, inv domain.Invocation) error {
	start := time.Now()
	err := r.next.RunPass(ctx, inv)

	ratio := strconv.Itoa(inv.Scale)
	r.metrics.passDuration.WithLabelValues(string(inv.Model), ratio).Observe(time.Since(start).Seconds())
	r.metrics.passes.WithLabelValues(string(inv.Model), ratio, Outcome(err)).Inc()

	return err
}
