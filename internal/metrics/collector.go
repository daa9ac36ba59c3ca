// Package metrics exposes Prometheus metrics for the HTTP surface, pipeline
// runs and scratch cleanup.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsInFlight  prometheus.Gauge
	framesTotal   prometheus.Counter
	boxesDrawn    prometheus.Counter
	cleanupsTotal *prometheus.CounterVec
	uploadBytes   prometheus.Histogram
}

// NewCollector registers every metric, plus Go runtime and process metrics,
// on a private registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{registry: reg}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"method", "path"},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Annotation runs by outcome",
		},
		[]string{"outcome"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of an annotation run",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	c.runsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipeline_runs_in_flight",
		Help:      "Annotation runs currently executing",
	})

	c.framesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_frames_total",
		Help:      "Frames decoded, annotated and re-encoded",
	})

	c.boxesDrawn = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_boxes_drawn_total",
		Help:      "Tracked detections drawn into frames",
	})

	c.cleanupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scratch_cleanups_total",
			Help:      "Deferred artifact deletions by result",
		},
		[]string{"result"},
	)

	c.uploadBytes = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_size_bytes",
		Help:      "Size of persisted uploads",
		Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 9),
	})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RunStarted marks a run in flight; call the returned func with the outcome
// when it ends.
func (c *Collector) RunStarted() func(outcome string, duration time.Duration) {
	c.runsInFlight.Inc()
	return func(outcome string, duration time.Duration) {
		c.runsInFlight.Dec()
		c.runsTotal.WithLabelValues(outcome).Inc()
		c.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

func (c *Collector) RecordFrame(boxes int) {
	c.framesTotal.Inc()
	c.boxesDrawn.Add(float64(boxes))
}

func (c *Collector) RecordUpload(bytes int64) {
	c.uploadBytes.Observe(float64(bytes))
}

func (c *Collector) RecordCleanup(err error) {
	if err != nil {
		c.cleanupsTotal.WithLabelValues("failed").Inc()
		return
	}
	c.cleanupsTotal.WithLabelValues("removed").Inc()
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
