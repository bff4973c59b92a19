package metrics

import "github.com/prometheus/client_golang/prometheus"

// Kind label values used by the primitives.
const (
	KindMutex         = "mutex"
	KindSemaphore     = "semaphore"
	KindFileLock      = "file_lock"
	KindFileSemaphore = "file_semaphore"
	KindRedisLock     = "redis_lock"
)

var (
	// AcquireCounter tracks successful acquisitions.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of successful acquisitions",
	}, []string{"kind"})
	// ContendedCounter tracks acquisitions that had to wait.
	ContendedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_contended_total",
		Help: "Total number of acquisitions that had to wait",
	}, []string{"kind"})
	// CancelCounter tracks waiting acquisitions abandoned by their caller.
	CancelCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_cancel_total",
		Help: "Total number of canceled acquisitions",
	}, []string{"kind"})
	// ReleaseCounter tracks releases that gave up at least one slot.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_release_total",
		Help: "Total number of releases",
	}, []string{"kind"})
	// WaitHistogram observes how long contended acquisitions waited.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "latch_wait_seconds",
		Help:    "Time spent waiting for contended acquisitions",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the latch collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ContendedCounter, CancelCounter, ReleaseCounter, WaitHistogram)
}
