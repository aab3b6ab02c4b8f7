// Package metrics wraps the Prometheus collectors exported by the
// monitor daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector used by the clip detector.
type Registry struct {
	Monitor     MonitorMetrics
	Detector    DetectorMetrics
	ClipCreator ClipCreatorMetrics
	Errors      *prometheus.CounterVec
}

type MonitorMetrics struct {
	PollsTotal         prometheus.Counter
	PollErrorsTotal    prometheus.Counter
	JoinedChannels     prometheus.Gauge
	LifecycleEvents    *prometheus.CounterVec
	ChatLinesPublished prometheus.Counter
	ChatLinesDropped   prometheus.Counter
}

type DetectorMetrics struct {
	LinesProcessed  prometheus.Counter
	LinesFiltered   prometheus.Counter
	AnomaliesTotal  prometheus.Counter
	ChannelsTracked prometheus.Gauge
}

type ClipCreatorMetrics struct {
	CreateAttempts  prometheus.Counter
	CreateSucceeded prometheus.Counter
	CreateExhausted prometheus.Counter
	CreatePermanent prometheus.Counter
	MetaMissing     prometheus.Counter
	Persisted       prometheus.Counter
	DBFailed        prometheus.Counter
}

// NewRegistry builds and registers every collector used by the service.
func NewRegistry() *Registry {
	return &Registry{
		Monitor: MonitorMetrics{
			PollsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_monitor_polls_total",
				Help: "Total number of fleet-monitor poll ticks executed.",
			}),
			PollErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_monitor_poll_errors_total",
				Help: "Total number of poll ticks that failed to list top live channels.",
			}),
			JoinedChannels: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "clipdetector_monitor_joined_channels",
				Help: "Current number of channels with an active chat membership.",
			}),
			LifecycleEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "clipdetector_monitor_lifecycle_events_total",
				Help: "Total lifecycle events emitted, by event_type.",
			}, []string{"event_type"}),
			ChatLinesPublished: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_monitor_chat_lines_published_total",
				Help: "Total chat lines published to the event bus.",
			}),
			ChatLinesDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_monitor_chat_lines_dropped_total",
				Help: "Total chat lines dropped due to unknown room.",
			}),
		},
		Detector: DetectorMetrics{
			LinesProcessed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_detector_lines_processed_total",
				Help: "Total chat lines processed by the spike detector.",
			}),
			LinesFiltered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_detector_lines_filtered_total",
				Help: "Total chat lines dropped by the bot-command pre-filter.",
			}),
			AnomaliesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_detector_anomalies_total",
				Help: "Total anomaly events emitted.",
			}),
			ChannelsTracked: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "clipdetector_detector_channels_tracked",
				Help: "Current number of channels with live detector state.",
			}),
		},
		ClipCreator: ClipCreatorMetrics{
			CreateAttempts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_clipcreator_create_attempts_total",
				Help: "Total create-clip HTTP attempts made.",
			}),
			CreateSucceeded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_clipcreator_create_succeeded_total",
				Help: "Total anomalies for which create-clip eventually succeeded.",
			}),
			CreateExhausted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_clipcreator_create_exhausted_total",
				Help: "Total anomalies that exhausted all create-clip retries.",
			}),
			CreatePermanent: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_clipcreator_create_permanent_total",
				Help: "Total anomalies aborted on a permanent create-clip failure.",
			}),
			MetaMissing: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_clipcreator_meta_missing_total",
				Help: "Total anomalies where get_clip returned no metadata.",
			}),
			Persisted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_clipcreator_persisted_total",
				Help: "Total clip rows successfully upserted into the catalog.",
			}),
			DBFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clipdetector_clipcreator_db_failed_total",
				Help: "Total catalog upserts that failed.",
			}),
		},
		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clipdetector_errors_total",
			Help: "Total errors recorded, by kind.",
		}, []string{"kind"}),
	}
}

// RecordError increments the error counter for the given kind.
func (r *Registry) RecordError(kind string) {
	r.Errors.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
