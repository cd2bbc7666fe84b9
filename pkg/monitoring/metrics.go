package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns the service's Prometheus registry: the standard HTTP
// metrics plus whatever component metrics are created through it. A private
// registry keeps test processes from fighting over global registration.
type MetricsCollector struct {
	prefix   string
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewMetricsCollector creates the registry with the standard HTTP metrics
// and a build-info gauge.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		// Prometheus metric names cannot contain hyphens
		prefix:   strings.ReplaceAll(serviceName, "-", "_") + "_",
		registry: prometheus.NewRegistry(),
	}

	mc.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.prefix + "http_requests_total",
		Help: "HTTP requests served",
	}, []string{"method", "endpoint", "status"})

	mc.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.prefix + "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	mc.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: mc.prefix + "http_requests_in_flight",
		Help: "HTTP requests currently being served",
	})

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.prefix + "build_info",
		Help: "Build information",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version, commit).Set(1)

	mc.registry.MustRegister(mc.requestsTotal, mc.requestDuration, mc.inFlight, buildInfo)
	return mc
}

// MetricsMiddleware records the standard HTTP metrics for every request.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		mc.inFlight.Inc()
		defer mc.inFlight.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		mc.requestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.requestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the registry on /metrics.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// NewCounter registers a service-prefixed counter vector.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.prefix + name,
		Help: help,
	}, labels)
	mc.registry.MustRegister(counter)
	return counter
}

// NewGauge registers a service-prefixed gauge vector.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.prefix + name,
		Help: help,
	}, labels)
	mc.registry.MustRegister(gauge)
	return gauge
}

// NewHistogram registers a service-prefixed histogram vector.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.prefix + name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	mc.registry.MustRegister(histogram)
	return histogram
}
