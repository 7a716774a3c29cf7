package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"careline/internal/audit"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/internal/config"
	"careline/internal/liveness"
)

type fakeBridge struct {
	placeErr error
	failLeg  int // 1-based index of the leg that fails; 0 = none
	placed   []bridge.PlaceLegRequest
	state    bridge.SessionState
	stateErr error
}

func (f *fakeBridge) Name() string { return "fake" }

func (f *fakeBridge) PlaceLeg(ctx context.Context, req bridge.PlaceLegRequest) (bridge.LegRef, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil && (f.failLeg == 0 || f.failLeg == len(f.placed)) {
		return "", f.placeErr
	}
	return bridge.LegRef(fmt.Sprintf("CA%04d", len(f.placed))), nil
}

func (f *fakeBridge) QueryState(ctx context.Context, ref string) (bridge.SessionState, error) {
	return f.state, f.stateErr
}

func (f *fakeBridge) FetchRecording(ctx context.Context, loc bridge.RecordingLocator) (bridge.RecordingHandle, error) {
	return bridge.RecordingHandle{}, bridge.ErrNoRecording
}

func (f *fakeBridge) DownloadRecording(ctx context.Context, h bridge.RecordingHandle) ([]byte, error) {
	return nil, bridge.ErrNoRecording
}

func staleDefaults() config.StaleConfig {
	return config.StaleConfig{
		LongCeiling:      2 * time.Hour,
		LiveWindow:       30 * time.Minute,
		ConnectingWindow: 5 * time.Minute,
	}
}

func newTestController(t *testing.T, b *fakeBridge) (*Controller, *callsession.MemoryRepo, *audit.MemoryRepo, func(time.Time)) {
	t.Helper()
	repo := callsession.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)

	// Controller and reconciler must agree on time or reclamation
	// misclassifies session ages.
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	setNow := func(at time.Time) { now = at }

	rec := liveness.NewReconciler(repo, b, staleDefaults(), auditSvc, nil, nil).WithClock(clock)
	c := NewController(repo, b, rec, staleDefaults(), auditSvc, nil).
		WithWebhookURL("https://careline.example/webhooks/bridge/leg-status")
	c.clock = clock
	return c, repo, auditRepo, setNow
}

func validRequest() CallRequest {
	return CallRequest{
		ParticipantA: "member-1",
		ParticipantB: "operator-7",
		PhoneA:       "+15550001111",
		PhoneB:       "+15550002222",
	}
}

func TestRequestCall_PlacesBothLegs(t *testing.T) {
	b := &fakeBridge{}
	c, repo, _, _ := newTestController(t, b)

	s, err := c.RequestCall(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("request call: %v", err)
	}
	if s.State != callsession.StateConnecting {
		t.Fatalf("expected CONNECTING, got %s", s.State)
	}
	if len(b.placed) != 2 {
		t.Fatalf("expected 2 legs placed, got %d", len(b.placed))
	}
	if b.placed[0].BridgeSessionRef != b.placed[1].BridgeSessionRef {
		t.Fatalf("legs must share one bridge session")
	}
	if b.placed[0].SessionID != s.ID {
		t.Fatalf("leg request must carry the session id")
	}
	if b.placed[0].StatusCallbackURL == "" {
		t.Fatalf("leg request must carry the status callback URL")
	}

	got, err := repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BridgeSessionRef != "careline-"+s.ID {
		t.Fatalf("unexpected bridge ref %q", got.BridgeSessionRef)
	}
	if len(got.LegRefs) != 2 {
		t.Fatalf("expected 2 leg refs, got %v", got.LegRefs)
	}
}

func TestRequestCall_RejectsBusyParticipant(t *testing.T) {
	b := &fakeBridge{state: bridge.SessionState{Status: bridge.SessionStatusInProgress, ParticipantCount: 2}}
	c, repo, auditRepo, _ := newTestController(t, b)

	first, err := c.RequestCall(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	req := validRequest()
	req.ParticipantB = "operator-9"
	req.PhoneB = "+15550003333"
	_, err = c.RequestCall(context.Background(), req)

	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected BusyError, got %v", err)
	}
	if busy.Participant != "member-1" {
		t.Fatalf("expected member-1 blocked, got %s", busy.Participant)
	}
	if busy.SessionID != first.ID {
		t.Fatalf("busy error should name the blocking session")
	}
	if !strings.Contains(busy.Error(), "member-1") {
		t.Fatalf("error text should name the participant: %s", busy.Error())
	}

	found := false
	for _, ev := range auditRepo.Events() {
		if ev.Type == audit.EventTypeCallRejected && ev.Participant == "member-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a call_rejected audit event")
	}

	// The blocking session is untouched.
	got, _ := repo.GetByID(context.Background(), first.ID)
	if got.Terminal() {
		t.Fatalf("blocking session must not be reclaimed")
	}
}

func TestRequestCall_ReclaimsStaleBeforeBusyCheck(t *testing.T) {
	// Bridge reports the old session's conference gone, so a 6-minute-old
	// CONNECTING session no longer blocks the participant.
	b := &fakeBridge{state: bridge.SessionState{Status: bridge.SessionStatusCompleted}}
	c, repo, _, setNow := newTestController(t, b)

	stuck, err := c.RequestCall(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	setNow(stuck.CreatedAt.Add(6 * time.Minute))

	s, err := c.RequestCall(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected stale session reclaimed, got %v", err)
	}
	if s.ID == stuck.ID {
		t.Fatalf("expected a fresh session")
	}

	old, _ := repo.GetByID(context.Background(), stuck.ID)
	if !old.Terminal() {
		t.Fatalf("stale session should be ended")
	}
	if old.EndReason != liveness.ReasonStaleBridgeEmpty {
		t.Fatalf("unexpected end reason %q", old.EndReason)
	}
}

func TestRequestCall_BridgeNotConfigured(t *testing.T) {
	b := &fakeBridge{placeErr: bridge.ErrNotConfigured}
	c, repo, auditRepo, _ := newTestController(t, b)

	_, err := c.RequestCall(context.Background(), validRequest())
	if !errors.Is(err, ErrBridgeUnavailable) {
		t.Fatalf("expected ErrBridgeUnavailable, got %v", err)
	}

	// The attempted session is still on record, ended.
	sessions, _ := repo.ListByParticipant(context.Background(), "member-1", 10, 0)
	if len(sessions) != 1 {
		t.Fatalf("expected the attempt persisted, got %d sessions", len(sessions))
	}
	if !sessions[0].Terminal() || sessions[0].EndReason != "bridge_unavailable" {
		t.Fatalf("expected ended with bridge_unavailable, got %+v", sessions[0])
	}

	found := false
	for _, ev := range auditRepo.Events() {
		if ev.Type == audit.EventTypeBridgeUnavailable {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a bridge_unavailable audit event")
	}
}

func TestRequestCall_SecondLegPlacementFails(t *testing.T) {
	b := &fakeBridge{placeErr: errors.New("carrier 500"), failLeg: 2}
	c, repo, _, _ := newTestController(t, b)

	_, err := c.RequestCall(context.Background(), validRequest())
	if !errors.Is(err, ErrPlacementFailed) {
		t.Fatalf("expected ErrPlacementFailed, got %v", err)
	}

	sessions, _ := repo.ListByParticipant(context.Background(), "member-1", 10, 0)
	if len(sessions) != 1 {
		t.Fatalf("expected the attempt persisted, got %d", len(sessions))
	}
	if sessions[0].EndReason != "placement_failed" {
		t.Fatalf("unexpected end reason %q", sessions[0].EndReason)
	}

	// The failed attempt must not block the next one.
	if _, err := c.RequestCall(context.Background(), validRequest()); err != nil {
		t.Fatalf("retry after placement failure: %v", err)
	}
}

func TestBusyError_Format(t *testing.T) {
	e := &BusyError{Participant: "member-1", SessionID: "s-1"}
	if !strings.Contains(e.Error(), "s-1") {
		t.Fatalf("error should name the blocking session: %s", e.Error())
	}

	// Guard-path rejections know no session; the text must not dangle an
	// empty session clause.
	e = &BusyError{Participant: "member-1"}
	if strings.Contains(e.Error(), "session") {
		t.Fatalf("error should omit the session clause when unknown: %s", e.Error())
	}
	if !strings.Contains(e.Error(), "member-1") {
		t.Fatalf("error should still name the participant: %s", e.Error())
	}
}

func TestRequestCall_ValidatesInput(t *testing.T) {
	c, _, _, _ := newTestController(t, &fakeBridge{})

	req := validRequest()
	req.ParticipantB = req.ParticipantA
	if _, err := c.RequestCall(context.Background(), req); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("self-call should be invalid, got %v", err)
	}

	req = validRequest()
	req.PhoneB = ""
	if _, err := c.RequestCall(context.Background(), req); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing phone should be invalid, got %v", err)
	}
}
