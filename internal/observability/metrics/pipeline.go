// Package metrics provides the Prometheus collectors of the sensing pipeline.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const namespace = "sidp"

// PipelineMetrics implements pipeline.Metrics on Prometheus collectors.
type PipelineMetrics struct {
	PushedTotal    *prometheus.CounterVec
	DroppedTotal   *prometheus.CounterVec
	DepthGauge     *prometheus.GaugeVec
	AlertsQueued   *prometheus.CounterVec
	AlertsSpoken   *prometheus.CounterVec
	Uploads        *prometheus.CounterVec
	CycleHistogram *prometheus.HistogramVec
	FPSGauge       prometheus.Gauge
	Distance       *prometheus.GaugeVec
	RangeTier      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPipelineMetrics creates the pipeline collectors and registers them
// with registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.PushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_pushed_total",
			Help:      "Items pushed to a pipeline queue.",
		},
		[]string{"queue"},
	)
	m.DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Items evicted from a full pipeline queue.",
		},
		[]string{"queue"},
	)
	m.DepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of items in a pipeline queue.",
		},
		[]string{"queue"},
	)
	m.AlertsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_enqueued_total",
			Help:      "Alerts enqueued for speech by source and priority.",
		},
		[]string{"source", "priority"},
	)
	m.AlertsSpoken = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_spoken_total",
			Help:      "Alerts handed to the speech engine by result.",
		},
		[]string{"result"},
	)
	m.Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by event kind and result.",
		},
		[]string{"kind", "result"},
	)
	m.CycleHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one worker cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"worker"},
	)
	m.FPSGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_fps",
			Help:      "Frames captured per second over the last window.",
		},
	)
	m.Distance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "range_distance_centimeters",
			Help:      "Most recent distance reading per sensor.",
		},
		[]string{"sensor"},
	)
	m.RangeTier = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_readings_total",
			Help:      "Range readings by sensor and tier.",
		},
		[]string{"sensor", "tier"},
	)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// QueuePushed counts a push and, when an item was evicted, a drop.
func (m *PipelineMetrics) QueuePushed(queue string, evicted bool) {
	m.PushedTotal.WithLabelValues(queue).Inc()
	if evicted {
		m.DroppedTotal.WithLabelValues(queue).Inc()
	}
}

func (m *PipelineMetrics) QueueDepth(queue string, depth int) {
	m.DepthGauge.WithLabelValues(queue).Set(float64(depth))
}

func (m *PipelineMetrics) AlertEnqueued(source string, priority int) {
	m.AlertsQueued.WithLabelValues(source, strconv.Itoa(priority)).Inc()
}

func (m *PipelineMetrics) AlertSpoken(err error) {
	m.AlertsSpoken.WithLabelValues(resultLabel(err)).Inc()
}

func (m *PipelineMetrics) UploadResult(kind pipeline.EventKind, err error) {
	m.Uploads.WithLabelValues(string(kind), resultLabel(err)).Inc()
}

func (m *PipelineMetrics) CycleDuration(worker string, d time.Duration) {
	m.CycleHistogram.WithLabelValues(worker).Observe(d.Seconds())
}

func (m *PipelineMetrics) CaptureFPS(fps float64) {
	m.FPSGauge.Set(fps)
}

// RangeReading records the distance of valid readings and counts every
// reading by tier.
func (m *PipelineMetrics) RangeReading(r pipeline.RangeReading) {
	sensor := r.Sensor
	if sensor == "" {
		sensor = "default"
	}
	if r.Tier != pipeline.TierError {
		m.Distance.WithLabelValues(sensor).Set(r.DistanceCM)
	}
	m.RangeTier.WithLabelValues(sensor, r.Tier.String()).Inc()
}

// Describe implements prometheus.Collector.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.PushedTotal.Describe(ch)
	m.DroppedTotal.Describe(ch)
	m.DepthGauge.Describe(ch)
	m.AlertsQueued.Describe(ch)
	m.AlertsSpoken.Describe(ch)
	m.Uploads.Describe(ch)
	m.CycleHistogram.Describe(ch)
	ch <- m.FPSGauge.Desc()
	m.Distance.Describe(ch)
	m.RangeTier.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.PushedTotal.Collect(ch)
	m.DroppedTotal.Collect(ch)
	m.DepthGauge.Collect(ch)
	m.AlertsQueued.Collect(ch)
	m.AlertsSpoken.Collect(ch)
	m.Uploads.Collect(ch)
	m.CycleHistogram.Collect(ch)
	m.FPSGauge.Collect(ch)
	m.Distance.Collect(ch)
	m.RangeTier.Collect(ch)
}

var _ pipeline.Metrics = (*PipelineMetrics)(nil)
