package upload

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the upload pipeline counters.
type Metrics struct {
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
	ChunksReceived  prometheus.Counter
	BytesReceived   prometheus.Counter
	Assemblies      *prometheus.CounterVec
	FilesStored     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetMetrics returns the process-wide upload metrics, registering them on
// first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "btransfer_sessions_created_total",
				Help: "Upload sessions created",
			}),
			SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "btransfer_sessions_expired_total",
				Help: "Upload sessions reclaimed by TTL expiry",
			}),
			ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
				Name: "btransfer_chunks_received_total",
				Help: "Chunks accepted into the holding area",
			}),
			BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
				Name: "btransfer_bytes_received_total",
				Help: "Chunk payload bytes accepted",
			}),
			Assemblies: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "btransfer_assemblies_total",
				Help: "Assembly attempts by outcome",
			}, []string{"outcome"}),
			FilesStored: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "btransfer_files_stored_total",
				Help: "Finalized files by storage tier",
			}, []string{"tier"}),
		}
	})
	return metrics
}
