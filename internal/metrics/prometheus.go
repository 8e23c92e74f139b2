package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type promRecorder struct {
	appendDuration       *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	loadDuration         *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec
	commandRetries       *prometheus.CounterVec
	snapshots            *prometheus.CounterVec
	publishFailures      prometheus.Counter

	projectionDuration *prometheus.HistogramVec
	projectionEvents   *prometheus.CounterVec
	projectionRetries  *prometheus.CounterVec
	quarantined        *prometheus.CounterVec
	projectionPosition *prometheus.GaugeVec
	projectionLag      *prometheus.GaugeVec
}

// NewPrometheus registers the collectors on reg and returns a Recorder.
func NewPrometheus(reg prometheus.Registerer) Recorder {
	m := &promRecorder{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcore_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"stream_type"}),

		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcore_aggregate_load_duration_seconds",
			Help:    "Aggregate reconstruction latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_concurrency_conflicts_total",
			Help: "Total number of expected-version mismatches on append",
		}, []string{"stream_type"}),

		commandRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_command_retries_total",
			Help: "Total number of load-execute-append retries",
		}, []string{"stream_type"}),

		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_snapshots_total",
			Help: "Total number of snapshot captures",
		}, []string{"stream_type", "success"}),

		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_publish_failures_total",
			Help: "Total number of failed event publications after append",
		}),

		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcore_projection_event_duration_seconds",
			Help:    "Projection handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"projection"}),

		projectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_projection_events_total",
			Help: "Total number of events handled by projections",
		}, []string{"projection", "success"}),

		projectionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_projection_retries_total",
			Help: "Total number of projection handler retries",
		}, []string{"projection"}),

		quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_projection_quarantined_total",
			Help: "Total number of events diverted to quarantine",
		}, []string{"projection"}),

		projectionPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventcore_projection_position",
			Help: "Last committed global position per projection",
		}, []string{"projection"}),

		projectionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventcore_projection_lag",
			Help: "Events between the store tail and the projection position",
		}, []string{"projection"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.eventsAppended,
		m.loadDuration,
		m.concurrencyConflicts,
		m.commandRetries,
		m.snapshots,
		m.publishFailures,
		m.projectionDuration,
		m.projectionEvents,
		m.projectionRetries,
		m.quarantined,
		m.projectionPosition,
		m.projectionLag,
	)

	return m
}

func newTimer(o prometheus.Observer) Timer {
	return &funcTimer{observe: o.Observe, start: time.Now()}
}

func (m *promRecorder) AppendDuration(streamType string) Timer {
	return newTimer(m.appendDuration.WithLabelValues(streamType))
}

func (m *promRecorder) EventsAppended(streamType string, count int) {
	m.eventsAppended.WithLabelValues(streamType).Add(float64(count))
}

func (m *promRecorder) LoadDuration(streamType string) Timer {
	return newTimer(m.loadDuration.WithLabelValues(streamType))
}

func (m *promRecorder) ConcurrencyConflict(streamType string) {
	m.concurrencyConflicts.WithLabelValues(streamType).Inc()
}

func (m *promRecorder) CommandRetry(streamType string) {
	m.commandRetries.WithLabelValues(streamType).Inc()
}

func (m *promRecorder) SnapshotSaved(streamType string, success bool) {
	m.snapshots.WithLabelValues(streamType, strconv.FormatBool(success)).Inc()
}

func (m *promRecorder) PublishFailed() {
	m.publishFailures.Inc()
}

func (m *promRecorder) ProjectionEventDuration(projection string) Timer {
	return newTimer(m.projectionDuration.WithLabelValues(projection))
}

func (m *promRecorder) ProjectionEventProcessed(projection string, success bool) {
	m.projectionEvents.WithLabelValues(projection, strconv.FormatBool(success)).Inc()
}

func (m *promRecorder) ProjectionRetry(projection string) {
	m.projectionRetries.WithLabelValues(projection).Inc()
}

func (m *promRecorder) ProjectionQuarantined(projection string) {
	m.quarantined.WithLabelValues(projection).Inc()
}

func (m *promRecorder) ProjectionPosition(projection string, position int64) {
	m.projectionPosition.WithLabelValues(projection).Set(float64(position))
}

func (m *promRecorder) ProjectionLag(projection string, lag int64) {
	m.projectionLag.WithLabelValues(projection).Set(float64(lag))
}

var _ Recorder = (*promRecorder)(nil)
