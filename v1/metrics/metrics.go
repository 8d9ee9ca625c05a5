package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ksync_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// ContentionCounter tracks non-blocking attempts that found the lock held.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ksync_contention_total",
		Help: "Total number of immediate try-lock failures",
	})
	// TimeoutCounter tracks bounded waits that expired before acquisition.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ksync_timeout_total",
		Help: "Total number of lock waits that timed out",
	})
	// ReleaseCounter tracks lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ksync_release_total",
		Help: "Total number of lock releases",
	})
	// HeldGauge reports locks currently held through wrappers in this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ksync_held_locks",
		Help: "Current number of held locks",
	})
	// MonitorHeldGauge reports how many registered mutexes the monitor saw
	// held in its latest snapshot. Kept separate from HeldGauge: the monitor
	// observes locks held by any owner, including other processes.
	MonitorHeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ksync_monitor_held_locks",
		Help: "Held mutexes in the latest monitor snapshot",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers ksync core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ContentionCounter, TimeoutCounter, ReleaseCounter, HeldGauge, MonitorHeldGauge)
}
