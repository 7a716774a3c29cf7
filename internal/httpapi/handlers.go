package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"careline/internal/admission"
	"careline/internal/auth"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/internal/liveness"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth       *auth.Manager
	Admission  *admission.Controller
	Reconciler *liveness.Reconciler
	Sessions   callsession.Repository
	Bridge     bridge.Bridge
	Log        *slog.Logger
}

// --- Auth ---

type loginRequest struct {
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role"`
}

// Login issues a JWT access token.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ParticipantID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "participant_id, role required"})
		return
	}
	tok, err := h.Auth.IssueAccessToken(time.Now(), req.ParticipantID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

// --- Calls ---

type initiateCallRequest struct {
	ParticipantB string `json:"participant_b"`
	PhoneA       string `json:"phone_a"`
	PhoneB       string `json:"phone_b"`
}

// InitiateCall admits and places a call from the authenticated participant
// to participant_b.
func (h Handlers) InitiateCall(c *gin.Context) {
	callerID, err := auth.ParticipantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "participant_id required"})
		return
	}
	var req initiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	s, err := h.Admission.RequestCall(c.Request.Context(), admission.CallRequest{
		ParticipantA: callerID,
		ParticipantB: req.ParticipantB,
		PhoneA:       req.PhoneA,
		PhoneB:       req.PhoneB,
	})
	if err != nil {
		var busy *admission.BusyError
		switch {
		case errors.As(err, &busy):
			body := gin.H{
				"error":            "participant busy",
				"busy_participant": busy.Participant,
			}
			// Guard-path rejections have no blocking session to name.
			if busy.SessionID != "" {
				body["session_id"] = busy.SessionID
			}
			c.AbortWithStatusJSON(http.StatusConflict, body)
		case errors.Is(err, admission.ErrBridgeUnavailable):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "telephony not configured"})
		case errors.Is(err, admission.ErrPlacementFailed):
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call placement failed"})
		case errors.Is(err, admission.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "participant_b, phone_a, phone_b required"})
		default:
			h.Log.Error("initiate call failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call initiation failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, s)
}

// EndCall ends a session on behalf of the authenticated participant.
func (h Handlers) EndCall(c *gin.Context) {
	s, ok := h.loadAuthorizedSession(c)
	if !ok {
		return
	}
	out, err := h.Reconciler.EndSession(c.Request.Context(), s.ID, liveness.ReasonHangup)
	if err != nil {
		h.Log.Error("end call failed", "session_id", s.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "end call failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetCall returns one session.
func (h Handlers) GetCall(c *gin.Context) {
	s, ok := h.loadAuthorizedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

// CallHistory lists the authenticated participant's sessions, newest first.
func (h Handlers) CallHistory(c *gin.Context) {
	callerID, err := auth.ParticipantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "participant_id required"})
		return
	}
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	sessions, err := h.Sessions.ListByParticipant(c.Request.Context(), callerID, limit, offset)
	if err != nil {
		h.Log.Error("call history failed", "participant", callerID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "limit": limit, "offset": offset})
}

// RecordingInfo reports what post-call artifacts exist for a session. For
// ended sessions the recording handle is resolved through the bridge, in
// precedence order: a recording URL captured from the webhook, then the
// bridge session ref, then a leg ref.
func (h Handlers) RecordingInfo(c *gin.Context) {
	s, ok := h.loadAuthorizedSession(c)
	if !ok {
		return
	}

	recordingRef := s.RecordingRef
	duration := s.DurationSeconds
	available := false
	if h.Bridge != nil && s.Terminal() {
		loc := bridge.RecordingLocator{BridgeSessionRef: s.BridgeSessionRef}
		if strings.HasPrefix(s.RecordingRef, "http") {
			loc.MediaURL = s.RecordingRef
		}
		if len(s.LegRefs) > 0 {
			loc.LegRef = s.LegRefs[0]
		}
		rec, err := h.Bridge.FetchRecording(c.Request.Context(), loc)
		switch {
		case err == nil:
			available = true
			if rec.RecordingRef != "" {
				recordingRef = rec.RecordingRef
			}
			if rec.DurationSeconds > 0 {
				duration = rec.DurationSeconds
			}
		case errors.Is(err, bridge.ErrNoRecording):
			// Nothing provider-side; report the stored fields only.
		default:
			h.Log.Warn("recording lookup failed", "session_id", s.ID, "err", err)
			available = s.RecordingRef != ""
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":           s.ID,
		"recording_available":  available,
		"recording_ref":        recordingRef,
		"duration_seconds":     duration,
		"transcript_available": s.TranscriptText != nil,
		"summary_available":    s.SummaryText != nil,
	})
}

// DownloadSummary serves the stored summary as plain text.
func (h Handlers) DownloadSummary(c *gin.Context) {
	s, ok := h.loadAuthorizedSession(c)
	if !ok {
		return
	}
	if s.SummaryText == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "summary not available yet"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="call-summary-`+s.ID+`.txt"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(*s.SummaryText))
}

// --- Maintenance ---

type clearStaleRequest struct {
	ParticipantID string `json:"participant_id"`
}

// ClearStale runs the poll-path reclamation for one participant's open
// sessions. Operator-only.
func (h Handlers) ClearStale(c *gin.Context) {
	var req clearStaleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ParticipantID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "participant_id required"})
		return
	}
	n, err := h.Reconciler.ReclaimStaleForParticipant(c.Request.Context(), req.ParticipantID)
	if err != nil {
		h.Log.Error("clear stale failed", "participant", req.ParticipantID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reclamation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reclaimed": n})
}

// --- Webhooks ---

// LegStatusWebhook receives provider leg status callbacks. Always answers
// 200 for parseable events, even unknown ones, so the provider does not
// retry forever.
func (h Handlers) LegStatusWebhook(c *gin.Context) {
	ev, err := bridge.ParseLegStatusWebhook(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}
	if err := h.Reconciler.HandleLegEvent(c.Request.Context(), ev); err != nil {
		if errors.Is(err, callsession.ErrNotFound) {
			h.Log.Warn("webhook for unknown session", "leg_ref", ev.LegRef)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		h.Log.Error("webhook handling failed", "leg_ref", ev.LegRef, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook handling failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// loadAuthorizedSession fetches the :session_id session and enforces that
// the caller is a participant (operators see everything).
func (h Handlers) loadAuthorizedSession(c *gin.Context) (callsession.Session, bool) {
	callerID, err := auth.ParticipantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "participant_id required"})
		return callsession.Session{}, false
	}
	id := c.Param("session_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return callsession.Session{}, false
	}
	s, err := h.Sessions.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, callsession.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		} else {
			h.Log.Error("session lookup failed", "session_id", id, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		}
		return callsession.Session{}, false
	}
	role, _ := auth.Role(c.Request.Context())
	if role != auth.RoleOperator && !s.Involves(callerID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return callsession.Session{}, false
	}
	return s, true
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
