package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every flashota metric. It is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// FlashBytesTotal counts bytes moved to and from the flash medium.
	FlashBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_flash_bytes_total",
			Help: "Bytes read from or written to flash.",
		},
		[]string{"op"}, // op: read/write
	)

	// FlashSectorErasesTotal counts erased sectors.
	FlashSectorErasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flashota_flash_sector_erases_total",
			Help: "Number of flash sectors erased.",
		},
	)

	// FlashErrorsTotal counts failed flash operations by kind.
	FlashErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_flash_errors_total",
			Help: "Failed flash operations.",
		},
		[]string{"op", "reason"},
	)

	// SessionsTotal counts finished update sessions by outcome.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_ota_sessions_total",
			Help: "Finished firmware update sessions.",
		},
		[]string{"source", "outcome"}, // outcome: committed/discarded/failed/aborted/refused
	)

	// SessionBytesTotal counts update bytes received from transports.
	SessionBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_ota_received_bytes_total",
			Help: "Bytes delivered to update sessions.",
		},
		[]string{"source"},
	)

	// SessionDuration observes the wall time of an update session.
	SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flashota_ota_session_duration_seconds",
			Help:    "Duration of firmware update sessions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"outcome"},
	)

	// SessionActive is 1 while an update session is open.
	SessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flashota_ota_session_active",
			Help: "Whether an update session is in progress (1) or not (0).",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		FlashBytesTotal,
		FlashSectorErasesTotal,
		FlashErrorsTotal,
		SessionsTotal,
		SessionBytesTotal,
		SessionDuration,
		SessionActive,
	)
}
