package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans counts entry/exit/submission attempts by method and outcome.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_attendance_scans_total",
		Help: "Attendance scan attempts by verification method and outcome.",
	}, []string{"method", "outcome"})

	// LinkRedemptions counts self-mark redemptions by outcome reason.
	LinkRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_link_redemptions_total",
		Help: "Attendance link redemption attempts by outcome.",
	}, []string{"outcome"})

	// Transfers counts custody transfer transitions by resulting status.
	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_transfers_total",
		Help: "Custody transfer transitions by resulting status.",
	}, []string{"status"})

	// Ceremonies counts credential ceremony completions by kind and outcome.
	Ceremonies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_ceremonies_total",
		Help: "Credential ceremony completions by kind and outcome.",
	}, []string{"kind", "outcome"})

	// WSConnections gauges live websocket subscribers.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custody_ws_connections",
		Help: "Live websocket subscriptions.",
	})

	// QueueFailures counts audit queue publish failures.
	QueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_queue_publish_failures_total",
		Help: "Audit queue publish failures.",
	})
)
