// Package metrics provides Prometheus metrics for Helios: transfer and
// cache counters for the device buffer cache, launch counters and latency
// histograms for the kernel engine, and broadcast counters for the
// eviction coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts host/device copies by direction ("h2d", "d2h").
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "device",
		Name:      "transfers_total",
		Help:      "Total host/device memory transfers by direction",
	}, []string{"direction"})

	// TransferBytes counts transferred bytes by direction.
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "device",
		Name:      "transfer_bytes_total",
		Help:      "Total bytes moved between host and device by direction",
	}, []string{"direction"})

	// CacheHits counts device buffer cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "devcache",
		Name:      "hits_total",
		Help:      "Device buffer cache hits",
	})

	// CacheMisses counts device buffer cache misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "devcache",
		Name:      "misses_total",
		Help:      "Device buffer cache misses",
	})

	// CacheEntries tracks the number of live device cache entries.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "helios",
		Subsystem: "devcache",
		Name:      "entries",
		Help:      "Live device buffer cache entries",
	})

	// DeviceMemoryUsed tracks allocated device memory in bytes.
	DeviceMemoryUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "helios",
		Subsystem: "device",
		Name:      "memory_used_bytes",
		Help:      "Allocated device memory in bytes",
	})

	// KernelLaunches counts kernel launches by kernel name and status.
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "kernel",
		Name:      "launches_total",
		Help:      "Kernel launches by kernel name and status",
	}, []string{"kernel", "status"})

	// KernelRunLatency observes end-to-end Run latency per kernel.
	KernelRunLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "helios",
		Subsystem: "kernel",
		Name:      "run_duration_seconds",
		Help:      "End-to-end kernel run duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"kernel"})

	// Broadcasts counts coordinator broadcasts by instruction and status.
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "coordinator",
		Name:      "broadcasts_total",
		Help:      "Coordinator cache/uncache broadcasts by instruction and status",
	}, []string{"instruction", "status"})
)

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveRun records the elapsed time on the kernel run histogram.
func (t *Timer) ObserveRun(kernel string) time.Duration {
	d := time.Since(t.start)
	KernelRunLatency.WithLabelValues(kernel).Observe(d.Seconds())
	return d
}
