package pipeline

import (
	"time"

	"github.com/MrCodeEU/smilecal/pkg/calibration"
	"github.com/MrCodeEU/smilecal/pkg/expression"
)

// EventType identifies a pipeline event.
type EventType string

const (
	EventCalibrationStarted  EventType = "calibration_started"
	EventCalibrationComplete EventType = "calibration_complete"
	EventCalibrationFailed   EventType = "calibration_failed"
	EventClassification      EventType = "classification"
	EventTrackLost           EventType = "track_lost"
)

// Event is published on the orchestrator's event channel for consumers
// outside the frame loop, such as a rendering client.
type Event struct {
	Type      EventType             `json:"type"`
	Seq       uint64                `json:"seq,omitempty"`
	Time      time.Time             `json:"time"`
	SessionID string                `json:"session_id,omitempty"`
	Baseline  *calibration.Baseline `json:"baseline,omitempty"`
	Result    *expression.Result    `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// emit publishes without blocking. Caller holds o.mu.
func (o *Orchestrator) emit(ev Event) {
	if o.closed {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	select {
	case o.events <- ev:
	default:
		o.log.WithField("type", ev.Type).Warn("Event channel full, dropping event")
	}
}

// notification is a callback invocation deferred until o.mu is released.
type notification func()

func (o *Orchestrator) notify(pending []notification) {
	for _, n := range pending {
		n()
	}
}
