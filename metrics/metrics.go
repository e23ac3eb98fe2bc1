package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireGranted tracks successful lock acquisitions.
	AcquireGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_acquire_granted_total",
		Help: "Total number of granted lock acquisitions",
	})
	// AcquireConflict tracks acquisitions refused because the record was held.
	AcquireConflict = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_acquire_conflict_total",
		Help: "Total number of acquisitions refused due to an existing lease",
	})
	// RenewCounter tracks successful lease renewals.
	RenewCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_renew_total",
		Help: "Total number of successful lease renewals",
	})
	// RenewRejected tracks renewals refused because the caller no longer holds the lease.
	RenewRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_renew_rejected_total",
		Help: "Total number of rejected lease renewals",
	})
	// ReleaseCounter tracks explicit lease releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_release_total",
		Help: "Total number of explicit lease releases",
	})
	// ExpiredCounter tracks leases that lapsed without renewal.
	ExpiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_expired_total",
		Help: "Total number of leases that expired without renewal",
	})
	// ActiveLeases reports the number of leases currently held.
	ActiveLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "editlock_active_leases",
		Help: "Current number of active leases",
	})
	// WatcherGauge reports the number of active event watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "editlock_watchers",
		Help: "Current number of active event watchers",
	})
	// ChannelReconnects tracks reconnection attempts of realtime channels.
	ChannelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_channel_reconnects_total",
		Help: "Total number of realtime channel reconnection attempts",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers editlock core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireGranted, AcquireConflict,
		RenewCounter, RenewRejected,
		ReleaseCounter, ExpiredCounter,
		ActiveLeases, WatcherGauge, ChannelReconnects,
	)
}
