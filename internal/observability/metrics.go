package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	FramesSampled     prometheus.Counter
	AudioBlocks       prometheus.Counter
	TranscriptEvents  *prometheus.CounterVec
	PlaybackSegments  prometheus.Counter
	PlaybackPurges    prometheus.Counter
	ProviderErrors    *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active mentoring sessions (0 or 1).",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		FramesSampled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sampled_total",
			Help:      "Video frames downsampled and sent to the agent.",
		}),
		AudioBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_blocks_total",
			Help:      "Microphone blocks fanned out to the providers.",
		}),
		TranscriptEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Transcript events by kind (interim, committed).",
		}, []string{"kind"}),
		PlaybackSegments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_segments_total",
			Help:      "Agent audio segments scheduled for playback.",
		}),
		PlaybackPurges: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_purges_total",
			Help:      "Barge-in purges of the playback queue.",
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from session start to the first agent audio delta in milliseconds.",
			Buckets:   []float64{200, 400, 700, 1000, 1500, 2500, 4000, 7000},
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
