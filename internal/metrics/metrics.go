package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentdeck",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "torrentdeck",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdeck",
		Name:      "active_transfers",
		Help:      "Number of transfers in the latest snapshot.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdeck",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdeck",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdeck",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all transfers.",
	})

	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentdeck",
		Name:      "reconcile_total",
		Help:      "Total reconciliation passes by trigger.",
	}, []string{"trigger"})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "torrentdeck",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of one reconciliation pass in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentdeck",
		Name:      "commands_total",
		Help:      "Total session commands by command and result.",
	}, []string{"command", "result"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentdeck",
		Name:      "notifications_total",
		Help:      "Total notifications emitted by kind.",
	}, []string{"kind"})

	LiveBlobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdeck",
		Name:      "live_blobs",
		Help:      "Number of materialized file blobs awaiting release.",
	})

	PowerSave = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdeck",
		Name:      "power_save_enabled",
		Help:      "1 when the session reconciles at the power-save cadence.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveTransfers,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		ReconcileTotal,
		ReconcileDuration,
		CommandsTotal,
		NotificationsTotal,
		LiveBlobs,
		PowerSave,
	)
}
