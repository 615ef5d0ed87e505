// Package telemetry exposes Prometheus metrics for export runs and the HTTP
// API of the exporter.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onkostar/mtbexport/internal/domain/mtb"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the telemetry settings.
type Config struct {
	Namespace      string
	ServiceVersion string
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "mtb_export"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
}

var (
	caseDurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
	httpDurationBuckets = prometheus.DefBuckets
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics owns a private registry. It implements mtb.Reporter.
type Metrics struct {
	registry *prometheus.Registry

	cases        *prometheus.CounterVec
	rows         prometheus.Counter
	defects      *prometheus.CounterVec
	caseDuration prometheus.Histogram
	runs         *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge
}

func New(cfg Config) *Metrics {
	cfg.applyDefaults()
	ns := cfg.Namespace
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cases_total",
			Help: "Cases processed, by outcome.",
		}, []string{"outcome"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rows_total",
			Help: "Export rows written.",
		}),
		defects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "defects_total",
			Help: "Defects found, by kind and severity.",
		}, []string{"kind", "severity"}),
		caseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "case_duration_seconds",
			Help:    "Time to build, validate and flatten one case.",
			Buckets: caseDurationBuckets,
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_total",
			Help: "Export runs, by final status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "route"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "http", Name: "active_requests",
			Help: "HTTP requests in flight.",
		}),
	}

	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "build_info",
		Help:        "Build information of the exporter.",
		ConstLabels: prometheus.Labels{"version": cfg.ServiceVersion},
	})
	build.Set(1)

	m.registry.MustRegister(
		m.cases, m.rows, m.defects, m.caseDuration, m.runs,
		m.httpRequests, m.httpDuration, m.httpActive, build,
	)
	if cfg.RuntimeMetrics {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ReportCase records the outcome of one case.
func (m *Metrics) ReportCase(_ context.Context, r mtb.CaseResult) {
	m.cases.WithLabelValues(string(r.Outcome)).Inc()
	m.rows.Add(float64(r.Rows))
	m.caseDuration.Observe(r.Duration.Seconds())
	for _, d := range r.Defects {
		m.defects.WithLabelValues(string(d.Kind), d.Severity.String()).Inc()
	}
}

// RunFinished records the final status of an export run.
func (m *Metrics) RunFinished(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpActive.Inc()
			defer m.httpActive.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	}))
}
