package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"govlink/internal/urlnorm"
)

type Metrics struct {
	service         string
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	externalLatency *prometheus.HistogramVec
	normalizeTotal  *prometheus.CounterVec
}

func NewMetrics(service string) *Metrics {
	m := &Metrics{
		service:  service,
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"service", "method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "govlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request durations in seconds.",
		}, []string{"service", "method", "path", "status"}),
		externalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "govlink",
			Subsystem: "external",
			Name:      "operation_duration_seconds",
			Help:      "Duration of external operations in seconds.",
		}, []string{"service", "component", "method", "status"}),
		normalizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govlink",
			Name:      "normalize_total",
			Help:      "URL normalizations by outcome.",
		}, []string{"service", "outcome"}),
	}
	m.registry.MustRegister(m.Collectors()...)
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requestsTotal, m.requestDuration, m.externalLatency, m.normalizeTotal}
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

// Handler serves the metrics registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

func (m *Metrics) Middleware() echo.MiddlewareFunc {
	if m == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var httpErr *echo.HTTPError
				switch {
				case errors.As(err, &httpErr):
					status = httpErr.Code
				case errors.Is(err, urlnorm.ErrMalformedURL):
					status = http.StatusUnprocessableEntity
				default:
					status = http.StatusInternalServerError
				}
			}
			if status == 0 {
				status = http.StatusOK
			}

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}

			labels := []string{m.service, c.Request().Method, path, strconv.Itoa(status)}
			m.requestsTotal.WithLabelValues(labels...).Inc()
			m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// ObserveNormalize counts one normalization attempt.
func (m *Metrics) ObserveNormalize(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "malformed"
	}
	m.normalizeTotal.WithLabelValues(m.service, outcome).Inc()
}

func (m *Metrics) ObserveDB(method string, err error, duration time.Duration) {
	m.observeExternal("db", method, err, duration)
}

func (m *Metrics) ObserveSearch(method string, err error, duration time.Duration) {
	m.observeExternal("meilisearch", method, err, duration)
}

func (m *Metrics) ObserveFeed(method string, err error, duration time.Duration) {
	m.observeExternal("feed", method, err, duration)
}

func (m *Metrics) observeExternal(component, method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.externalLatency.WithLabelValues(m.service, component, method, status).Observe(duration.Seconds())
}
