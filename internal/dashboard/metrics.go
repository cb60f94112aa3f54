package dashboard

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report sync and reminder activity.
type Metrics struct {
	syncs         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	events        prometheus.Gauge
	lastSync      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level instance registered with the
// global Prometheus registry. Created once to avoid duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics using the provided registerer. Tests
// should pass a fresh prometheus.NewRegistry(). Registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	syncs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashcal",
			Subsystem: "calendar",
			Name:      "syncs_total",
			Help:      "Calendar sync cycles by result.",
		},
		[]string{"result"},
	)
	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashcal",
			Subsystem: "notify",
			Name:      "reminders_total",
			Help:      "Event reminders fired by phase.",
		},
		[]string{"phase"},
	)
	events := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dashcal",
			Subsystem: "calendar",
			Name:      "events",
			Help:      "Number of events in the current merged list.",
		},
	)
	lastSync := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dashcal",
			Subsystem: "calendar",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync.",
		},
	)

	reg.MustRegister(syncs, notifications, events, lastSync)

	return &Metrics{
		syncs:         syncs,
		notifications: notifications,
		events:        events,
		lastSync:      lastSync,
	}
}
