package httpd

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type httpMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpMetricsInst *httpMetrics
)

func getHTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpMetricsInst = &httpMetrics{
			Requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "btransfer_http_requests_total",
				Help: "HTTP requests by method, path and status class",
			}, []string{"method", "path", "class"}),
			Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "btransfer_http_request_duration_seconds",
				Help:    "HTTP request latency by method",
				Buckets: prometheus.DefBuckets,
			}, []string{"method"}),
		}
	})
	return httpMetricsInst
}
