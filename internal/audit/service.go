package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information about call lifecycle decisions:
// admission rejections, bridge-unavailable attempts, stale reclamations and
// pipeline outcomes.
//
// Callers treat audit logging as best-effort; it never fails their flow.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		// Audit is optional wiring.
		return nil
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// CallRejected records an admission rejection naming the busy participant.
func (s *Service) CallRejected(ctx context.Context, sessionID, participant, message string) {
	_ = s.Append(ctx, Event{
		Type:        EventTypeCallRejected,
		SessionID:   sessionID,
		Participant: participant,
		Message:     message,
	})
}

// BridgeUnavailable records an attempted call that could not reach the bridge.
func (s *Service) BridgeUnavailable(ctx context.Context, sessionID, participant string) {
	_ = s.Append(ctx, Event{
		Type:        EventTypeBridgeUnavailable,
		SessionID:   sessionID,
		Participant: participant,
		Message:     "telephony not configured or unreachable",
	})
}

// StaleReclaimed records a poll-path reclamation with its reason.
func (s *Service) StaleReclaimed(ctx context.Context, sessionID, reason string) {
	_ = s.Append(ctx, Event{
		Type:      EventTypeStaleReclaimed,
		SessionID: sessionID,
		Message:   reason,
	})
}

// SessionEnded records a terminal transition with its reason.
func (s *Service) SessionEnded(ctx context.Context, sessionID, reason string) {
	_ = s.Append(ctx, Event{
		Type:      EventTypeSessionEnded,
		SessionID: sessionID,
		Message:   reason,
	})
}

// PipelineOutcome records a pipeline completion, degraded or not.
func (s *Service) PipelineOutcome(ctx context.Context, sessionID string, degraded bool, message string) {
	typ := EventTypePipelineCompleted
	if degraded {
		typ = EventTypePipelineDegraded
	}
	_ = s.Append(ctx, Event{
		Type:      typ,
		SessionID: sessionID,
		Message:   message,
	})
}
