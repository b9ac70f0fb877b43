// Package pipeline implements the concurrent sensing core: producers that
// publish their latest state into cells, cooldown-gated alerts ordered by
// urgency, a drop-oldest upload queue and the ordered shutdown of all of it.
package pipeline

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the civil time layout of uploaded records.
const TimestampLayout = "2006/01/02 15:04:05"

// Alert priorities. Lower values are spoken first.
const (
	PriorityStop          = 1
	PriorityWarning       = 2
	PriorityCaution       = 3
	PriorityInformational = 5
)

// Frame is one captured image. Seq increases by one per capture and lets the
// vision worker skip frames it has already inferred. Readers must not
// mutate Image.
type Frame struct {
	Seq        uint64
	Image      image.Image
	CapturedAt time.Time
}

// Detection is one detected object. BBox is x1,y1,x2,y2 in frame pixels with
// x1<=x2 and y1<=y2.
type Detection struct {
	ClassName  string  `json:"name"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

// DetectionSet is the output of one inference in model order.
type DetectionSet []Detection

// Tier is the urgency classification of a distance reading.
type Tier int

const (
	TierStop Tier = iota
	TierWarning
	TierCaution
	TierClear
	TierError
)

var tierNames = [...]string{"stop", "warning", "caution", "clear", "error"}

func (t Tier) String() string {
	if t < TierStop || t > TierError {
		return "unknown"
	}
	return tierNames[t]
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Priority returns the alert priority of the tier, 0 for tiers that never
// alert.
func (t Tier) Priority() int {
	switch t {
	case TierStop:
		return PriorityStop
	case TierWarning:
		return PriorityWarning
	case TierCaution:
		return PriorityCaution
	default:
		return 0
	}
}

// RangeReading is one distance measurement of a sensor.
type RangeReading struct {
	Sensor     string    `json:"sensor"`
	DistanceCM float64   `json:"distance_cm"`
	Tier       Tier      `json:"tier"`
	MeasuredAt time.Time `json:"measured_at"`
}

// AlertEvent is one utterance waiting for the announcer.
type AlertEvent struct {
	Text      string
	Priority  int
	CreatedAt time.Time
}

// Position is one GPS fix.
type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Satellites int       `json:"satellites,omitempty"`
	FixedAt    time.Time `json:"fixed_at"`
}

// EventKind tells the upload event kinds apart.
type EventKind string

const (
	EventKindVision EventKind = "vision"
	EventKindRange  EventKind = "range"
	EventKindSOS    EventKind = "sos"
)

// ParseEventKind returns the kind named s.
func ParseEventKind(s string) (EventKind, bool) {
	switch k := EventKind(s); k {
	case EventKindVision, EventKindRange, EventKindSOS:
		return k, true
	}
	return "", false
}

// UploadEvent is one record for the remote event log.
type UploadEvent struct {
	ID         string
	Kind       EventKind
	Timestamp  string // TimestampLayout in the configured zone
	CreatedAt  time.Time
	Detections DetectionSet // Kind == EventKindVision
	Reading    RangeReading // Kind == EventKindRange
	Position   Position     // Kind == EventKindSOS
	Message    string       // tier label of Reading
}

// VisionRecord is the uploaded shape of a vision event.
type VisionRecord struct {
	Timestamp       string         `json:"timestamp"`
	ObjectsDetected []DetectedItem `json:"objects_detected"`
}

// DetectedItem is one object inside a VisionRecord.
type DetectedItem struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

// RangeRecord is the uploaded shape of a range event.
type RangeRecord struct {
	Timestamp  string  `json:"timestamp"`
	DistanceCM float64 `json:"distance_cm"`
	Message    string  `json:"message"`
	Sensor     string  `json:"sensor,omitempty"`
}

// SOSRecord is the uploaded shape of an SOS event. Timestamp is the send
// time in Unix seconds; LocalTime is the same instant in TimestampLayout.
type SOSRecord struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp float64 `json:"timestamp"`
	LocalTime string  `json:"local_time"`
}

// Record returns the VisionRecord, RangeRecord or SOSRecord of the event.
func (e UploadEvent) Record() any {
	if e.Kind == EventKindSOS {
		return SOSRecord{
			Latitude:  e.Position.Latitude,
			Longitude: e.Position.Longitude,
			Timestamp: float64(e.CreatedAt.UnixMilli()) / 1000,
			LocalTime: e.Timestamp,
		}
	}
	if e.Kind == EventKindVision {
		items := make([]DetectedItem, 0, len(e.Detections))
		for _, d := range e.Detections {
			items = append(items, DetectedItem{Name: d.ClassName, Confidence: d.Confidence, BBox: d.BBox})
		}
		return VisionRecord{Timestamp: e.Timestamp, ObjectsDetected: items}
	}
	return RangeRecord{
		Timestamp:  e.Timestamp,
		DistanceCM: e.Reading.DistanceCM,
		Message:    e.Message,
		Sensor:     e.Reading.Sensor,
	}
}

// FormatTimestamp renders t in loc using TimestampLayout. A nil loc keeps
// the location of t.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(TimestampLayout)
}

// NewVisionEvent builds an upload event for a detection set.
func NewVisionEvent(dets DetectionSet, now time.Time, loc *time.Location) UploadEvent {
	return UploadEvent{
		ID:         uuid.NewString(),
		Kind:       EventKindVision,
		Timestamp:  FormatTimestamp(now, loc),
		CreatedAt:  now,
		Detections: dets,
	}
}

// NewRangeEvent builds an upload event for a reading. Error readings are
// uploaded with distance 0.
func NewRangeEvent(r RangeReading, label string, loc *time.Location) UploadEvent {
	if r.Tier == TierError {
		r.DistanceCM = 0
	}
	return UploadEvent{
		ID:        uuid.NewString(),
		Kind:      EventKindRange,
		Timestamp: FormatTimestamp(r.MeasuredAt, loc),
		CreatedAt: r.MeasuredAt,
		Reading:   r,
		Message:   label,
	}
}

// NewSOSEvent builds an upload event for an emergency call from pos.
func NewSOSEvent(pos Position, now time.Time, loc *time.Location) UploadEvent {
	return UploadEvent{
		ID:        uuid.NewString(),
		Kind:      EventKindSOS,
		Timestamp: FormatTimestamp(now, loc),
		CreatedAt: now,
		Position:  pos,
		Message:   "SOS",
	}
}

// Round2 rounds v to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Detector runs object detection on a frame. Implementations return an
// error of category malformed-inference when the model output is unusable.
type Detector interface {
	Detect(ctx context.Context, f Frame) (DetectionSet, error)
}

// RangeSensor measures a distance in centimeters. A measurement never
// blocks longer than timeout per echo edge.
type RangeSensor interface {
	Measure(ctx context.Context, timeout time.Duration) (float64, error)
}

// Speaker speaks text synchronously.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Close() error
}

// Sink appends one event to a remote log.
type Sink interface {
	Upload(ctx context.Context, ev UploadEvent) error
	Close() error
}

// PositionSource delivers GPS fixes. ReadFix blocks until the next fix, a
// read timeout or ctx is done.
type PositionSource interface {
	ReadFix(ctx context.Context) (Position, error)
	Close() error
}

// FrameSource captures frames from a camera.
type FrameSource interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}
