package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine-wide Prometheus collectors. One instance is
// created per process and threaded through the components that report on
// network, buffering, and quality-switch behavior.
type Metrics struct {
	BandwidthEstimateBps prometheus.Gauge
	BufferOccupancySecs  prometheus.Gauge
	FetchErrorsTotal     *prometheus.CounterVec
	VariantSwitchesTotal *prometheus.CounterVec
	FragmentFetchSeconds prometheus.Histogram
	ActiveSessions       prometheus.Gauge
}

// NewMetrics registers the engine's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BandwidthEstimateBps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hlsplayer",
			Subsystem: "abr",
			Name:      "bandwidth_estimate_bps",
			Help:      "Current EWMA throughput estimate used for variant selection, in bits per second.",
		}),
		BufferOccupancySecs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hlsplayer",
			Subsystem: "renderer",
			Name:      "buffer_occupancy_seconds",
			Help:      "Seconds of decoded media currently queued ahead of the playhead.",
		}),
		FetchErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Subsystem: "network",
			Name:      "fetch_errors_total",
			Help:      "Count of failed playlist/fragment fetches by resource kind.",
		}, []string{"resource"}),
		VariantSwitchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Subsystem: "abr",
			Name:      "variant_switches_total",
			Help:      "Count of ABR variant switches by direction.",
		}, []string{"direction"}),
		FragmentFetchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hlsplayer",
			Subsystem: "network",
			Name:      "fragment_fetch_seconds",
			Help:      "Latency of fragment byte-range fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hlsplayer",
			Subsystem: "player",
			Name:      "active_sessions",
			Help:      "Number of playback sessions currently active.",
		}),
	}
}
