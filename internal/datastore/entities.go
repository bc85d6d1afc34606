package datastore

import (
	"encoding/json"

	"github.com/tphakala/guardian/internal/events"
)

// eventRecord is the GORM model behind the events table. Channel, camera
// and snapshot paths are denormalized out of meta so filters and the
// search predicate can use indexed columns.
type eventRecord struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Ts           int64  `gorm:"column:ts;index:idx_events_ts"`
	Source       string `gorm:"column:source"`
	Detector     string `gorm:"column:detector;index:idx_events_detector"`
	Severity     string `gorm:"column:severity;index:idx_events_severity"`
	Message      string `gorm:"column:message"`
	Channel      string `gorm:"column:channel;index:idx_events_channel"`
	Camera       string `gorm:"column:camera"`
	Snapshot     string `gorm:"column:snapshot"`
	FaceSnapshot string `gorm:"column:face_snapshot"`
	Meta         string `gorm:"column:meta"`
}

func (eventRecord) TableName() string { return "events" }

// toRecord converts an event into its storage row.
func toRecord(ev *events.Event) (*eventRecord, error) {
	record := &eventRecord{
		ID:           ev.ID,
		Ts:           ev.Ts,
		Source:       ev.Source,
		Detector:     ev.Detector,
		Severity:     ev.Severity,
		Message:      ev.Message,
		Channel:      ev.Meta.Channel(),
		Camera:       ev.Meta.Camera(),
		Snapshot:     ev.Meta.Snapshot(),
		FaceSnapshot: ev.Meta.FaceSnapshot(),
	}
	if ev.Meta != nil {
		raw, err := json.Marshal(ev.Meta)
		if err != nil {
			return nil, err
		}
		record.Meta = string(raw)
	}
	return record, nil
}

// toEvent converts a storage row back into an event. Unknown meta keys are
// preserved verbatim through the JSON round trip.
func (r *eventRecord) toEvent() (events.Event, error) {
	ev := events.Event{
		ID:       r.ID,
		Ts:       r.Ts,
		Source:   r.Source,
		Detector: r.Detector,
		Severity: r.Severity,
		Message:  r.Message,
	}
	if r.Meta != "" {
		meta := events.Meta{}
		if err := json.Unmarshal([]byte(r.Meta), &meta); err != nil {
			return ev, err
		}
		ev.Meta = meta
	}
	return ev, nil
}
