package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "healthchecks_monitor"

var (
	// RefreshesTotal counts coordinator refreshes by result. The result is
	// either "success" or the models.ErrorKind of the failure.
	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_refreshes_total",
			Help:      "Number of check refreshes performed by coordinators.",
		},
		[]string{"coordinator", "result"},
	)

	// RefreshDuration observes the duration of coordinator refreshes.
	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coordinator_refresh_duration_seconds",
			Help:      "Duration of check refreshes performed by coordinators.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"coordinator"},
	)

	// CoordinatorsActive is the number of live coordinators.
	CoordinatorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinators_active",
			Help:      "Number of live coordinators, one per distinct api key.",
		},
	)

	// Subscriptions is the number of subscribed checks per coordinator.
	Subscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_subscriptions",
			Help:      "Number of checks subscribed to a coordinator.",
		},
		[]string{"coordinator"},
	)

	// CheckStatus is 1 for the current status of a check and 0 for all
	// other states.
	CheckStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "check_status",
			Help:      "Current status of a monitored check.",
		},
		[]string{"check", "name", "status"},
	)

	// CheckAvailable is 1 if the latest data of a check is available and 0
	// otherwise.
	CheckAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "check_available",
			Help:      "Whether the status of a monitored check is known.",
		},
		[]string{"check", "name"},
	)

	// EntryState is 1 for the current state of a configured entry.
	EntryState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entry_state",
			Help:      "Runtime state of a configured entry.",
		},
		[]string{"entry", "state"},
	)

	// FlowSubmissionsTotal counts config flow submissions by step and
	// result.
	FlowSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_submissions_total",
			Help:      "Number of config flow submissions.",
		},
		[]string{"step", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		RefreshesTotal,
		RefreshDuration,
		CoordinatorsActive,
		Subscriptions,
		CheckStatus,
		CheckAvailable,
		EntryState,
		FlowSubmissionsTotal,
	)
}
