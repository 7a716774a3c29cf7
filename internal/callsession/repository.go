package callsession

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("callsession: not found")
	ErrInvalidArgument = errors.New("callsession: invalid argument")
	// ErrAlreadyConnecting is returned when SetBridgeRefs would overwrite an
	// existing bridge session ref (immutable once CONNECTING).
	ErrAlreadyConnecting = errors.New("callsession: bridge session ref already set")
)

// Repository is the persistence contract for call sessions.
//
// Concurrency contract: webhook- and poll-driven reconciliation may act on
// the same session at the same instant, so every state transition here is a
// single atomic read-modify-write (compare-and-set on ended_at / is_live /
// transcript presence), never a read-then-separately-write sequence.
// Methods returning (bool, error) report whether this caller won the write;
// losing the race is not an error.
type Repository interface {
	Create(ctx context.Context, s Session) error
	GetByID(ctx context.Context, id string) (Session, error)

	// ListOpenByParticipant returns non-terminal sessions (ended_at null)
	// involving the participant, most recent first.
	ListOpenByParticipant(ctx context.Context, participantID string) ([]Session, error)

	// ListByParticipant returns the participant's sessions in recency
	// order with limit/offset pagination.
	ListByParticipant(ctx context.Context, participantID string, limit, offset int) ([]Session, error)

	// FindOpenByLegRef returns the non-terminal session owning the given
	// external leg identifier. Used to correlate webhook events that
	// arrive without our session id.
	FindOpenByLegRef(ctx context.Context, legRef string) (Session, error)

	// SetBridgeRefs records the bridge session ref and initial leg refs and
	// moves the session to CONNECTING. The bridge session ref is immutable:
	// a second call with a different ref fails with ErrAlreadyConnecting.
	SetBridgeRefs(ctx context.Context, id, bridgeSessionRef string, legRefs []string) error

	// AppendLegRef appends one external leg identifier.
	AppendLegRef(ctx context.Context, id, legRef string) error

	// MarkLive transitions a non-terminal session to LIVE. Sets started_at
	// exactly once. Returns false when the session is already live or ended.
	MarkLive(ctx context.Context, id string, at time.Time) (bool, error)

	// Confirm bumps last_confirmed_at on a non-terminal session.
	Confirm(ctx context.Context, id string, at time.Time) error

	// End transitions a non-terminal session to ENDED. ended_at is
	// monotonic: once set it is never cleared or moved. Returns false when
	// another writer already ended the session.
	End(ctx context.Context, id string, at time.Time, reason string, durationSeconds int) (bool, error)

	// SetRecordingRef stores the provider recording locator if none is set.
	SetRecordingRef(ctx context.Context, id, ref string) error

	// SetTranscript writes transcript_text only if not already present.
	// Returns false when a transcript already exists (pipeline idempotence).
	SetTranscript(ctx context.Context, id, text string) (bool, error)

	// SetSummary writes summary_text only if not already present.
	SetSummary(ctx context.Context, id, text string, at time.Time) (bool, error)
}
