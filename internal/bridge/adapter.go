package bridge

import (
	"context"
	"errors"
)

// Bridge is the provider-agnostic interface over the external call bridge.
//
// Rules:
// - No provider SDK or HTTP calls outside this package.
// - Failures are never fatal to callers: every call site must have an
//   explicit fallback (assume-ended, assume-still-active-if-recent, or
//   retry-once).
// - State queries carry a hard timeout; a timeout means *unknown*, not
//   *inactive*.
type Bridge interface {
	Name() string

	// PlaceLeg dials one outbound leg into the named bridge session.
	// Fire-and-forget from the caller's perspective, but the external leg
	// identifier is returned for correlation.
	PlaceLeg(ctx context.Context, req PlaceLegRequest) (LegRef, error)

	// QueryState returns the bridge session's status and participant
	// count. On timeout the error wraps ErrVerifyTimeout and the result
	// must be treated as unknown.
	QueryState(ctx context.Context, bridgeSessionRef string) (SessionState, error)

	// FetchRecording resolves a locator to a recording handle, or
	// ErrNoRecording when the provider has none.
	FetchRecording(ctx context.Context, loc RecordingLocator) (RecordingHandle, error)

	// DownloadRecording fetches the raw audio bytes for a handle.
	DownloadRecording(ctx context.Context, h RecordingHandle) ([]byte, error)
}

var (
	// ErrNotConfigured means bridge credentials are absent. Call initiation
	// must surface a distinct "telephony not configured" result, not a
	// generic failure.
	ErrNotConfigured = errors.New("bridge: not configured")

	// ErrVerifyTimeout marks a state query that timed out. Callers resolve
	// it to the conservative default appropriate to their context.
	ErrVerifyTimeout = errors.New("bridge: verification timed out")

	ErrNoRecording = errors.New("bridge: no recording found")
)

type PlaceLegRequest struct {
	// ToAddress is the destination in E.164 where possible.
	ToAddress string
	// BridgeSessionRef names the conference both legs share.
	BridgeSessionRef string
	// SessionID is our internal session id, carried on the status
	// callback so webhook events correlate without heuristics.
	SessionID string
	// StatusCallbackURL receives leg status events; may be empty in
	// environments without a public base URL.
	StatusCallbackURL string
}

// LegRef is the provider's identifier for one placed call leg.
type LegRef string

// SessionState is the bridge's view of a conference session.
type SessionState struct {
	Status           SessionStatus
	ParticipantCount int
}

type SessionStatus string

const (
	SessionStatusInit       SessionStatus = "init"
	SessionStatusInProgress SessionStatus = "in-progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusUnknown    SessionStatus = "unknown"
)

// Terminal reports whether the bridge considers the session finished.
func (s SessionState) Terminal() bool {
	return s.Status == SessionStatusCompleted
}

// Empty reports positive evidence that nobody is on the bridge.
func (s SessionState) Empty() bool {
	return s.Status == SessionStatusCompleted || (s.Status == SessionStatusInProgress && s.ParticipantCount == 0)
}

// RecordingLocator identifies a recording by whichever correlation key is
// available, in documented precedence order: explicit media URL, bridge
// session ref, then leg ref.
type RecordingLocator struct {
	MediaURL         string
	BridgeSessionRef string
	LegRef           string
}

type RecordingHandle struct {
	RecordingRef    string
	MediaURL        string
	DurationSeconds int
}

// NotConfigured is the Bridge used when credentials are absent. Every method
// reports ErrNotConfigured; callers translate that into their typed
// "telephony not configured" results.
type NotConfigured struct{}

func (NotConfigured) Name() string { return "none" }

func (NotConfigured) PlaceLeg(ctx context.Context, req PlaceLegRequest) (LegRef, error) {
	return "", ErrNotConfigured
}

func (NotConfigured) QueryState(ctx context.Context, bridgeSessionRef string) (SessionState, error) {
	return SessionState{Status: SessionStatusUnknown}, ErrNotConfigured
}

func (NotConfigured) FetchRecording(ctx context.Context, loc RecordingLocator) (RecordingHandle, error) {
	return RecordingHandle{}, ErrNotConfigured
}

func (NotConfigured) DownloadRecording(ctx context.Context, h RecordingHandle) ([]byte, error) {
	return nil, ErrNotConfigured
}
