package audit

import "time"

// Event is one append-only audit record for the call subsystem.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Type      EventType `json:"type" db:"type"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	// Participant is the participant the event concerns, when any.
	Participant string `json:"participant,omitempty" db:"participant"`
	Message     string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata  string    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallRejected      EventType = "call_rejected"
	EventTypeBridgeUnavailable EventType = "bridge_unavailable"
	EventTypePlacementFailed   EventType = "placement_failed"
	EventTypeStaleReclaimed    EventType = "stale_reclaimed"
	EventTypeSessionEnded      EventType = "session_ended"
	EventTypePipelineCompleted EventType = "pipeline_completed"
	EventTypePipelineDegraded  EventType = "pipeline_degraded"
)
