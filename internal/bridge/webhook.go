package bridge

import (
	"net/http"
	"strconv"
	"strings"
)

// LegStatus is the provider-agnostic status of one call leg.
type LegStatus string

const (
	LegStatusQueued    LegStatus = "queued"
	LegStatusInitiated LegStatus = "initiated"
	LegStatusRinging   LegStatus = "ringing"
	LegStatusAnswered  LegStatus = "answered"
	LegStatusCompleted LegStatus = "completed"
	LegStatusBusy      LegStatus = "busy"
	LegStatusNoAnswer  LegStatus = "no-answer"
	LegStatusFailed    LegStatus = "failed"
	LegStatusCanceled  LegStatus = "canceled"
	LegStatusUnknown   LegStatus = "unknown"
)

// Terminal reports whether this leg status ends the leg. For a two-party
// bridge, either leg terminating ends the whole session.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegStatusCompleted, LegStatusBusy, LegStatusNoAnswer, LegStatusFailed, LegStatusCanceled:
		return true
	default:
		return false
	}
}

// LegEvent is one leg status change delivered by the bridge.
type LegEvent struct {
	// SessionID is our internal session id, carried on the callback URL at
	// leg placement time. May be empty for events the provider originates
	// without our correlation key.
	SessionID string

	LegRef           LegRef
	Status           LegStatus
	BridgeSessionRef string
	DurationSeconds  int
	RecordingURL     string
}

// ParseLegStatusWebhook extracts the subset of voice status-callback fields
// we act on. The bridge posts application/x-www-form-urlencoded.
//
// Keep it minimal and adapter-only; state transitions are not made here.
func ParseLegStatusWebhook(r *http.Request) (LegEvent, error) {
	if err := r.ParseForm(); err != nil {
		return LegEvent{}, err
	}

	ev := LegEvent{
		SessionID:        strings.TrimSpace(r.URL.Query().Get("session_id")),
		LegRef:           LegRef(r.PostFormValue("CallSid")),
		Status:           mapCallStatus(r.PostFormValue("CallStatus")),
		BridgeSessionRef: strings.TrimSpace(r.PostFormValue("ConferenceSid")),
		RecordingURL:     strings.TrimSpace(r.PostFormValue("RecordingUrl")),
	}
	if d := r.PostFormValue("CallDuration"); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			ev.DurationSeconds = n
		}
	}
	return ev, nil
}

// mapCallStatus folds the provider status enum into ours. Twilio reports
// "in-progress" once a leg answers.
func mapCallStatus(s string) LegStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return LegStatusQueued
	case "initiated":
		return LegStatusInitiated
	case "ringing":
		return LegStatusRinging
	case "in-progress", "answered":
		return LegStatusAnswered
	case "completed":
		return LegStatusCompleted
	case "busy":
		return LegStatusBusy
	case "no-answer":
		return LegStatusNoAnswer
	case "failed":
		return LegStatusFailed
	case "canceled":
		return LegStatusCanceled
	default:
		return LegStatusUnknown
	}
}
