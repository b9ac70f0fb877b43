package datastore

import (
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

// Event is one uploaded record. Vision events carry their detections,
// range events the reading fields and SOS events the coordinates.
type Event struct {
	ID         uint        `gorm:"primaryKey"`
	UUID       string      `gorm:"column:uuid;size:36;uniqueIndex"`
	Kind       string      `gorm:"size:16;index:idx_events_kind_created"`
	Timestamp  string      `gorm:"size:19"` // civil time as uploaded
	CreatedAt  time.Time   `gorm:"index:idx_events_kind_created"`
	Sensor     string      `gorm:"size:64"`
	DistanceCM float64
	Tier       string      `gorm:"size:16"`
	Message    string      `gorm:"size:64"`
	Latitude   float64
	Longitude  float64
	Detections []Detection `gorm:"constraint:OnDelete:CASCADE"`
}

// Detection is one object of a vision event.
type Detection struct {
	ID         uint   `gorm:"primaryKey"`
	EventID    uint   `gorm:"index"`
	ClassName  string `gorm:"size:64;index"`
	Confidence float64
	X1         int
	Y1         int
	X2         int
	Y2         int
}

// KindCount is the number of stored events of one kind.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// eventFromUpload maps an upload event to its row.
func eventFromUpload(ev pipeline.UploadEvent) *Event {
	row := &Event{
		UUID:      ev.ID,
		Kind:      string(ev.Kind),
		Timestamp: ev.Timestamp,
		CreatedAt: ev.CreatedAt,
	}
	switch ev.Kind {
	case pipeline.EventKindVision:
		row.Detections = make([]Detection, 0, len(ev.Detections))
		for _, d := range ev.Detections {
			row.Detections = append(row.Detections, Detection{
				ClassName:  d.ClassName,
				Confidence: d.Confidence,
				X1:         d.BBox[0],
				Y1:         d.BBox[1],
				X2:         d.BBox[2],
				Y2:         d.BBox[3],
			})
		}
	case pipeline.EventKindRange:
		row.Sensor = ev.Reading.Sensor
		row.Tier = ev.Reading.Tier.String()
		row.Message = ev.Message
		if ev.Reading.Tier != pipeline.TierError {
			row.DistanceCM = ev.Reading.DistanceCM
		}
	case pipeline.EventKindSOS:
		row.Latitude = ev.Position.Latitude
		row.Longitude = ev.Position.Longitude
		row.Message = ev.Message
	}
	return row
}

// Record returns the uploaded shape of the row.
func (e *Event) Record() any {
	if e.Kind == string(pipeline.EventKindSOS) {
		return pipeline.SOSRecord{
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
			Timestamp: float64(e.CreatedAt.UnixMilli()) / 1000,
			LocalTime: e.Timestamp,
		}
	}
	if e.Kind == string(pipeline.EventKindVision) {
		items := make([]pipeline.DetectedItem, 0, len(e.Detections))
		for _, d := range e.Detections {
			items = append(items, pipeline.DetectedItem{
				Name:       d.ClassName,
				Confidence: d.Confidence,
				BBox:       [4]int{d.X1, d.Y1, d.X2, d.Y2},
			})
		}
		return pipeline.VisionRecord{Timestamp: e.Timestamp, ObjectsDetected: items}
	}
	return pipeline.RangeRecord{
		Timestamp:  e.Timestamp,
		DistanceCM: e.DistanceCM,
		Message:    e.Message,
		Sensor:     e.Sensor,
	}
}
