package pipeline

import "time"

// Queue names reported to Metrics.
const (
	QueueAlerts  = "alerts"
	QueueUploads = "uploads"
)

// Metrics receives pipeline measurements. NoopMetrics discards them.
type Metrics interface {
	QueuePushed(queue string, evicted bool)
	QueueDepth(queue string, depth int)
	AlertEnqueued(source string, priority int)
	AlertSpoken(err error)
	UploadResult(kind EventKind, err error)
	CycleDuration(worker string, d time.Duration)
	CaptureFPS(fps float64)
	RangeReading(r RangeReading)
}

// NoopMetrics implements Metrics without recording anything.
type NoopMetrics struct{}

func (NoopMetrics) QueuePushed(string, bool)            {}
func (NoopMetrics) QueueDepth(string, int)              {}
func (NoopMetrics) AlertEnqueued(string, int)           {}
func (NoopMetrics) AlertSpoken(error)                   {}
func (NoopMetrics) UploadResult(EventKind, error)       {}
func (NoopMetrics) CycleDuration(string, time.Duration) {}
func (NoopMetrics) CaptureFPS(float64)                  {}
func (NoopMetrics) RangeReading(RangeReading)           {}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}
