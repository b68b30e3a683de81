package httpapi

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments on a private registry,
// so parallel test servers never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rejectionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway's instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docgate_http_requests_total",
			Help: "HTTP requests by method, endpoint, and status code.",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by method and endpoint.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "endpoint"}),
		rejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docgate_rejections_total",
			Help: "Requests rejected before dispatch completed, by reason.",
		}, []string{"reason"}),
	}
}

// Middleware records request counts and latencies per route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			// c.Path() is the route pattern, not the raw URI, keeping label
			// cardinality bounded.
			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			method := c.Request().Method
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
			m.requestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordRejection counts a rejected request by reason label.
func (m *Metrics) RecordRejection(reason string) {
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
