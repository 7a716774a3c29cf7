package liveness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"careline/internal/audit"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/internal/config"
)

// RecordingTrigger starts the post-call recording pipeline for an ended
// session. Implementations must be asynchronous: the reconciler never waits
// on pipeline work, and triggering twice for the same session must be safe
// (the pipeline itself is idempotent).
type RecordingTrigger interface {
	TriggerRecording(sessionID string, loc bridge.RecordingLocator)
}

// RecordingTriggerFunc adapts a function to RecordingTrigger.
type RecordingTriggerFunc func(sessionID string, loc bridge.RecordingLocator)

func (f RecordingTriggerFunc) TriggerRecording(sessionID string, loc bridge.RecordingLocator) {
	f(sessionID, loc)
}

// Reconciler converges the local session record with the bridge's actual
// state. Two independent paths feed the same transition logic:
//
//   - the webhook path (HandleLegEvent), driven by provider callbacks;
//   - the poll path (ReclaimStale), driven by admission-time reclamation
//     and the maintenance endpoint.
//
// Both are idempotent: all transitions go through the repository's
// compare-and-set operations, so ending an already-ended session is a no-op
// and ENDED is never reverted.
type Reconciler struct {
	repo    callsession.Repository
	bridge  bridge.Bridge
	stale   config.StaleConfig
	audit   *audit.Service
	trigger RecordingTrigger
	log     *slog.Logger
	clock   func() time.Time
}

func NewReconciler(repo callsession.Repository, b bridge.Bridge, stale config.StaleConfig, auditSvc *audit.Service, trigger RecordingTrigger, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		repo:    repo,
		bridge:  b,
		stale:   stale,
		audit:   auditSvc,
		trigger: trigger,
		log:     log,
		clock:   time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (r *Reconciler) WithClock(fn func() time.Time) *Reconciler {
	r.clock = fn
	return r
}

// End reasons recorded on sessions.
const (
	ReasonHangup           = "hangup"
	ReasonPlacementFailed  = "placement_failed"
	ReasonStaleCeiling     = "stale_age_ceiling"
	ReasonStaleUnconfirmed = "stale_live_unconfirmed"
	ReasonStaleBridgeEmpty = "stale_bridge_empty"
)

// HandleLegEvent is the webhook path. On "answered" the session goes live
// (exactly once); on any terminal leg status the whole session ends, since a
// two-party bridge has no meaningful single-party continuation.
func (r *Reconciler) HandleLegEvent(ctx context.Context, ev bridge.LegEvent) error {
	s, err := r.resolveSession(ctx, ev)
	if err != nil {
		return err
	}

	if ev.LegRef != "" {
		if err := r.repo.AppendLegRef(ctx, s.ID, string(ev.LegRef)); err != nil && !errors.Is(err, callsession.ErrNotFound) {
			r.log.Warn("append leg ref failed", "session_id", s.ID, "err", err)
		}
	}
	if ev.RecordingURL != "" {
		if err := r.repo.SetRecordingRef(ctx, s.ID, ev.RecordingURL); err != nil {
			r.log.Warn("set recording ref failed", "session_id", s.ID, "err", err)
		}
	}

	now := r.clock().UTC()
	switch {
	case ev.Status == bridge.LegStatusAnswered:
		won, err := r.repo.MarkLive(ctx, s.ID, now)
		if err != nil {
			return err
		}
		if won {
			r.log.Info("session live", "session_id", s.ID, "leg_ref", ev.LegRef)
			return nil
		}
		// Duplicate "answered" or already live via the other leg: still a
		// confirmation that the bridge has the call.
		return r.repo.Confirm(ctx, s.ID, now)

	case ev.Status.Terminal():
		won, err := r.repo.End(ctx, s.ID, now, string(ev.Status), ev.DurationSeconds)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		r.log.Info("session ended", "session_id", s.ID, "leg_status", ev.Status)
		r.audit.SessionEnded(ctx, s.ID, string(ev.Status))
		r.startPipeline(s, ev)
		return nil

	default:
		// ringing / initiated / queued: nothing to transition.
		return nil
	}
}

// EndSession is the user-facing end-call operation. It shares the webhook
// path's transition and pipeline trigger.
func (r *Reconciler) EndSession(ctx context.Context, sessionID, reason string) (callsession.Session, error) {
	if reason == "" {
		reason = ReasonHangup
	}
	now := r.clock().UTC()
	won, err := r.repo.End(ctx, sessionID, now, reason, 0)
	if err != nil {
		return callsession.Session{}, err
	}
	s, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return callsession.Session{}, err
	}
	if won {
		r.audit.SessionEnded(ctx, sessionID, reason)
		r.startPipeline(s, bridge.LegEvent{})
	}
	return s, nil
}

// ReclaimStaleForParticipant runs the poll path over the participant's open
// sessions and returns how many were reclaimed.
func (r *Reconciler) ReclaimStaleForParticipant(ctx context.Context, participantID string) (int, error) {
	open, err := r.repo.ListOpenByParticipant(ctx, participantID)
	if err != nil {
		return 0, err
	}
	return r.ReclaimStale(ctx, open), nil
}

// ReclaimStale classifies each non-terminal session by age and marks stale
// ones ended without waiting for a webhook. Thresholds, most to least
// aggressive:
//
//   - older than the long ceiling: always reclaimed;
//   - live but unconfirmed beyond the live window: reclaimed;
//   - older than the connecting window: reclaimed only when a best-effort
//     bridge check reports the session empty or finished. An unknown result
//     (timeout, transport failure) does NOT reclaim here - the age ceilings
//     are the only paths that end a session without positive evidence.
func (r *Reconciler) ReclaimStale(ctx context.Context, sessions []callsession.Session) int {
	now := r.clock().UTC()
	reclaimed := 0
	for _, s := range sessions {
		if s.Terminal() {
			continue
		}

		reason := ""
		switch {
		case s.Age(now) > r.stale.LongCeiling:
			reason = ReasonStaleCeiling
		case s.IsLive && s.UnconfirmedFor(now) > r.stale.LiveWindow:
			reason = ReasonStaleUnconfirmed
		case s.Age(now) > r.stale.ConnectingWindow:
			state, err := r.verifyBridge(ctx, s)
			if err != nil {
				// Unknown: leave the session alone; assume still active
				// if recent, and let the age ceilings catch it later.
				r.log.Debug("bridge verify unknown", "session_id", s.ID, "err", err)
				continue
			}
			if state.Empty() || state.Terminal() {
				reason = ReasonStaleBridgeEmpty
			} else {
				// Positive evidence the call is up counts as confirmation.
				if err := r.repo.Confirm(ctx, s.ID, now); err != nil {
					r.log.Warn("confirm failed", "session_id", s.ID, "err", err)
				}
				continue
			}
		default:
			continue
		}

		won, err := r.repo.End(ctx, s.ID, now, reason, 0)
		if err != nil {
			r.log.Warn("stale reclaim failed", "session_id", s.ID, "err", err)
			continue
		}
		if !won {
			continue
		}
		reclaimed++
		r.log.Info("stale session reclaimed", "session_id", s.ID, "reason", reason, "age", s.Age(now).String())
		r.audit.StaleReclaimed(ctx, s.ID, reason)
		r.startPipeline(s, bridge.LegEvent{})
	}
	return reclaimed
}

// resolveSession correlates a leg event to a session: the session id we
// planted on the callback URL first, then the leg ref.
func (r *Reconciler) resolveSession(ctx context.Context, ev bridge.LegEvent) (callsession.Session, error) {
	if ev.SessionID != "" {
		s, err := r.repo.GetByID(ctx, ev.SessionID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, callsession.ErrNotFound) {
			return callsession.Session{}, err
		}
	}
	if ev.LegRef != "" {
		return r.repo.FindOpenByLegRef(ctx, string(ev.LegRef))
	}
	return callsession.Session{}, callsession.ErrNotFound
}

func (r *Reconciler) verifyBridge(ctx context.Context, s callsession.Session) (bridge.SessionState, error) {
	if r.bridge == nil || s.BridgeSessionRef == "" {
		// Nothing to ask; a session that never reached CONNECTING has no
		// bridge-side truth, so treat as empty.
		return bridge.SessionState{Status: bridge.SessionStatusCompleted}, nil
	}
	return r.bridge.QueryState(ctx, s.BridgeSessionRef)
}

func (r *Reconciler) startPipeline(s callsession.Session, ev bridge.LegEvent) {
	if r.trigger == nil {
		return
	}
	loc := bridge.RecordingLocator{
		MediaURL:         ev.RecordingURL,
		BridgeSessionRef: s.BridgeSessionRef,
	}
	if len(s.LegRefs) > 0 {
		loc.LegRef = s.LegRefs[0]
	}
	if ev.LegRef != "" {
		loc.LegRef = string(ev.LegRef)
	}
	r.trigger.TriggerRecording(s.ID, loc)
}
