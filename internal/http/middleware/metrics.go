// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic, labelled by
// method, registered route and status. Long-lived routes (the progress event
// stream) are counted but kept out of the latency and size histograms.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportpay",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reportpay",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of short-lived HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reportpay",
			Name:      "http_requests_inflight",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reportpay",
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP responses in bytes.",
			// 200B .. 5MiB; rendered reports sit at the top end.
			Buckets: prometheus.ExponentialBuckets(200, 2.5, 12),
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// MetricsOptions configures Metrics.
type MetricsOptions struct {
	// LongLived lists route patterns (c.FullPath()) excluded from the
	// latency and size histograms.
	LongLived []string
}

// Metrics instruments requests. The path label is the registered route, or
// the raw URL path when nothing matched.
func Metrics(opts MetricsOptions) gin.HandlerFunc {
	longLived := make(map[string]struct{}, len(opts.LongLived))
	for _, p := range opts.LongLived {
		longLived[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()

		if _, ok := longLived[path]; ok {
			return
		}
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
