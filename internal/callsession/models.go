package callsession

import "time"

// Session is one two-party bridged call between care participants.
//
// Lifecycle: INITIATED -> CONNECTING -> LIVE -> ENDED, plus direct
// INITIATED/CONNECTING -> ENDED (failed/busy/no-answer before connecting)
// and LIVE -> ENDED (disconnect or staleness reclamation).
// ENDED is terminal; after it only the recording pipeline may write, and
// only the transcript/summary fields.
//
// The external bridge is the true but unreliable source of liveness truth;
// this row is our best reconciled view of it.
type Session struct {
	ID string `json:"id" db:"id"`

	// ParticipantA initiated the call; ParticipantB receives the second leg.
	ParticipantA string `json:"participant_a" db:"participant_a"`
	ParticipantB string `json:"participant_b" db:"participant_b"`

	PhoneA string `json:"phone_a,omitempty" db:"phone_a"`
	PhoneB string `json:"phone_b,omitempty" db:"phone_b"`

	// BridgeSessionRef correlates this session to the provider's conference.
	// Immutable once the session transitions to CONNECTING.
	BridgeSessionRef string `json:"bridge_session_ref,omitempty" db:"bridge_session_ref"`

	// LegRefs are external call-leg identifiers, appended as legs are placed.
	LegRefs []string `json:"leg_refs,omitempty" db:"leg_refs"`

	State  State `json:"state" db:"state"`
	IsLive bool  `json:"is_live" db:"is_live"`

	// EndReason records why the session ended (hangup, leg status,
	// stale reclamation, placement failure).
	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	// RecordingRef is the provider recording locator once known.
	RecordingRef string `json:"recording_ref,omitempty" db:"recording_ref"`

	TranscriptText   *string    `json:"transcript_text,omitempty" db:"transcript_text"`
	SummaryText      *string    `json:"summary_text,omitempty" db:"summary_text"`
	SummaryUpdatedAt *time.Time `json:"summary_updated_at,omitempty" db:"summary_updated_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	// StartedAt is set once, when the session first goes live.
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	// LastConfirmedAt is the last instant the bridge confirmed the session
	// (answered webhook or a successful state verification).
	LastConfirmedAt time.Time  `json:"last_confirmed_at" db:"last_confirmed_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StateInitiated  State = "initiated"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateEnded      State = "ended"
)

// Terminal reports whether the session has reached its final state.
func (s Session) Terminal() bool {
	return s.EndedAt != nil
}

// Age is the time since the session was created.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// UnconfirmedFor is the time since the bridge last confirmed this session.
// Falls back to creation time for sessions never confirmed.
func (s Session) UnconfirmedFor(now time.Time) time.Duration {
	ref := s.LastConfirmedAt
	if ref.IsZero() {
		ref = s.CreatedAt
	}
	return now.Sub(ref)
}

// ActiveAt classifies the session as active for admission purposes.
//
// Two rules, because a session that claims to be live but has gone
// unconfirmed for too long is far more likely a provider-side hangup that
// was never reported than a genuinely ongoing call:
//   - live and confirmed within liveWindow, or
//   - younger than connectingWindow regardless of liveness (covers
//     in-flight connection attempts).
func (s Session) ActiveAt(now time.Time, liveWindow, connectingWindow time.Duration) bool {
	if s.Terminal() {
		return false
	}
	if s.IsLive && s.UnconfirmedFor(now) < liveWindow {
		return true
	}
	return s.Age(now) < connectingWindow
}

// Participants returns both participant ids.
func (s Session) Participants() [2]string {
	return [2]string{s.ParticipantA, s.ParticipantB}
}

// Involves reports whether the given participant owns one of the legs.
func (s Session) Involves(participantID string) bool {
	return s.ParticipantA == participantID || s.ParticipantB == participantID
}
