package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"careline/internal/audit"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/internal/config"
	"careline/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidArgument = errors.New("admission: invalid argument")

	// ErrBridgeUnavailable means telephony is not configured or the
	// provider could not be reached for either leg. The attempted session
	// is still persisted (ended) for audit purposes.
	ErrBridgeUnavailable = errors.New("admission: telephony not configured")

	// ErrPlacementFailed means at least one leg failed to place; the
	// session is marked ended before this is returned.
	ErrPlacementFailed = errors.New("admission: leg placement failed")
)

// BusyError rejects a call because a participant already has an active
// session. It names which participant is blocked. SessionID is empty when
// the rejection came from the initiation guard, before any session was
// identified.
type BusyError struct {
	Participant string
	SessionID   string
}

func (e *BusyError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("admission: participant %s is busy", e.Participant)
	}
	return fmt.Sprintf("admission: participant %s is busy on session %s", e.Participant, e.SessionID)
}

// CallRequest asks for a bridged call between two participants.
type CallRequest struct {
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	PhoneA       string `json:"phone_a"`
	PhoneB       string `json:"phone_b"`
}

func (r CallRequest) validate() error {
	if r.ParticipantA == "" || r.ParticipantB == "" || r.PhoneA == "" || r.PhoneB == "" {
		return ErrInvalidArgument
	}
	if r.ParticipantA == r.ParticipantB {
		return ErrInvalidArgument
	}
	return nil
}

// Reconciler is the slice of the liveness reconciler admission needs: the
// poll-path reclamation that runs before every busy check.
type Reconciler interface {
	ReclaimStale(ctx context.Context, sessions []callsession.Session) int
}

// Controller enforces the admission invariant: a participant may have at
// most one active call at any instant.
type Controller struct {
	repo       callsession.Repository
	bridge     bridge.Bridge
	reconciler Reconciler
	stale      config.StaleConfig
	audit      *audit.Service
	log        *slog.Logger
	clock      func() time.Time

	// rdb backs an optional redis fast-path guard against concurrent
	// initiation attempts for the same participant. The durable invariant
	// lives in the session store; this only shortcuts races between
	// in-flight requests.
	rdb    *redis.Client
	capTTL time.Duration

	// webhookURL is planted on placed legs so status events come back
	// with our session id.
	webhookURL string
}

func NewController(repo callsession.Repository, b bridge.Bridge, rec Reconciler, stale config.StaleConfig, auditSvc *audit.Service, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		repo:       repo,
		bridge:     b,
		reconciler: rec,
		stale:      stale,
		audit:      auditSvc,
		log:        log,
		clock:      time.Now,
		capTTL:     30 * time.Second,
	}
}

// WithRedisGuard enables the per-participant initiation guard.
func (c *Controller) WithRedisGuard(rdb *redis.Client) *Controller {
	c.rdb = rdb
	return c
}

// WithWebhookURL sets the status-callback URL planted on placed legs.
func (c *Controller) WithWebhookURL(u string) *Controller {
	c.webhookURL = u
	return c
}

// RequestCall admits, persists and places a new two-leg bridged call.
//
// Order matters: stale sessions are reclaimed before the busy check so a
// participant is never blocked by a session the provider silently dropped.
func (c *Controller) RequestCall(ctx context.Context, req CallRequest) (callsession.Session, error) {
	if err := req.validate(); err != nil {
		return callsession.Session{}, err
	}

	release, err := c.acquireGuards(ctx, req)
	if err != nil {
		return callsession.Session{}, err
	}
	defer release()

	// Reclaim stale sessions for both participants, then re-check.
	for _, p := range []string{req.ParticipantA, req.ParticipantB} {
		open, err := c.repo.ListOpenByParticipant(ctx, p)
		if err != nil {
			return callsession.Session{}, err
		}
		if c.reconciler != nil {
			c.reconciler.ReclaimStale(ctx, open)
		}
	}

	now := c.clock().UTC()
	for _, p := range []string{req.ParticipantA, req.ParticipantB} {
		open, err := c.repo.ListOpenByParticipant(ctx, p)
		if err != nil {
			return callsession.Session{}, err
		}
		for _, s := range open {
			if s.ActiveAt(now, c.stale.LiveWindow, c.stale.ConnectingWindow) {
				c.audit.CallRejected(ctx, s.ID, p, "participant busy")
				return callsession.Session{}, &BusyError{Participant: p, SessionID: s.ID}
			}
		}
	}

	s := callsession.Session{
		ID:              uuid.NewString(),
		ParticipantA:    req.ParticipantA,
		ParticipantB:    req.ParticipantB,
		PhoneA:          req.PhoneA,
		PhoneB:          req.PhoneB,
		State:           callsession.StateInitiated,
		CreatedAt:       now,
		LastConfirmedAt: now,
		UpdatedAt:       now,
	}
	if err := c.repo.Create(ctx, s); err != nil {
		return callsession.Session{}, err
	}

	return c.placeLegs(ctx, s)
}

// placeLegs dials both legs into one shared bridge session. The bridge
// session ref is our session id, which makes webhook and recording
// correlation a straight key lookup instead of a heuristic.
func (c *Controller) placeLegs(ctx context.Context, s callsession.Session) (callsession.Session, error) {
	bridgeRef := "careline-" + s.ID
	now := c.clock().UTC()

	var legRefs []string
	for _, to := range []string{s.PhoneA, s.PhoneB} {
		ref, err := c.bridge.PlaceLeg(ctx, bridge.PlaceLegRequest{
			ToAddress:         to,
			BridgeSessionRef:  bridgeRef,
			SessionID:         s.ID,
			StatusCallbackURL: c.webhookURL,
		})
		if err != nil {
			if errors.Is(err, bridge.ErrNotConfigured) {
				// Keep the attempted session on record, ended, so the
				// failure is auditable.
				_, _ = c.repo.End(ctx, s.ID, now, "bridge_unavailable", 0)
				c.audit.BridgeUnavailable(ctx, s.ID, s.ParticipantA)
				return callsession.Session{}, ErrBridgeUnavailable
			}
			c.log.Error("leg placement failed", "session_id", s.ID, "err", err)
			_, _ = c.repo.End(ctx, s.ID, now, "placement_failed", 0)
			c.audit.Append(ctx, audit.Event{
				Type:        audit.EventTypePlacementFailed,
				SessionID:   s.ID,
				Participant: s.ParticipantA,
				Message:     err.Error(),
			})
			return callsession.Session{}, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
		}
		legRefs = append(legRefs, string(ref))
	}

	if err := c.repo.SetBridgeRefs(ctx, s.ID, bridgeRef, legRefs); err != nil {
		return callsession.Session{}, err
	}
	out, err := c.repo.GetByID(ctx, s.ID)
	if err != nil {
		return callsession.Session{}, err
	}
	c.log.Info("call placed", "session_id", s.ID, "bridge_ref", bridgeRef, "legs", len(legRefs))
	return out, nil
}

// acquireGuards takes the redis fast-path cap for both participants. When
// redis is not wired (or unreachable) admission proceeds on the store's
// invariant alone; the guard is an optimization, never a gate.
func (c *Controller) acquireGuards(ctx context.Context, req CallRequest) (func(), error) {
	if c.rdb == nil {
		return func() {}, nil
	}
	var held []string
	release := func() {
		for _, k := range held {
			_ = utils.ReleaseConcurrencyCap(context.WithoutCancel(ctx), c.rdb, k)
		}
	}
	for _, p := range []string{req.ParticipantA, req.ParticipantB} {
		key := "careline:call-initiation:" + p
		ok, err := utils.AcquireConcurrencyCap(ctx, c.rdb, key, 1, c.capTTL)
		if err != nil {
			c.log.Warn("initiation guard unavailable", "participant", p, "err", err)
			continue
		}
		if !ok {
			release()
			c.audit.CallRejected(ctx, "", p, "concurrent call initiation in flight")
			return nil, &BusyError{Participant: p}
		}
		held = append(held, key)
	}
	return release, nil
}
