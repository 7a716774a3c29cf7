package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"careline/internal/audit"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/internal/config"
)

type fakeBridge struct {
	state bridge.SessionState
	err   error
	calls int
}

func (f *fakeBridge) Name() string { return "fake" }

func (f *fakeBridge) PlaceLeg(ctx context.Context, req bridge.PlaceLegRequest) (bridge.LegRef, error) {
	return "CA-fake", nil
}

func (f *fakeBridge) QueryState(ctx context.Context, ref string) (bridge.SessionState, error) {
	f.calls++
	return f.state, f.err
}

func (f *fakeBridge) FetchRecording(ctx context.Context, loc bridge.RecordingLocator) (bridge.RecordingHandle, error) {
	return bridge.RecordingHandle{}, bridge.ErrNoRecording
}

func (f *fakeBridge) DownloadRecording(ctx context.Context, h bridge.RecordingHandle) ([]byte, error) {
	return nil, bridge.ErrNoRecording
}

type triggerRecorder struct {
	mu       sync.Mutex
	sessions []string
}

func (tr *triggerRecorder) TriggerRecording(sessionID string, loc bridge.RecordingLocator) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sessions = append(tr.sessions, sessionID)
}

func (tr *triggerRecorder) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.sessions)
}

func staleDefaults() config.StaleConfig {
	return config.StaleConfig{
		LongCeiling:      2 * time.Hour,
		LiveWindow:       30 * time.Minute,
		ConnectingWindow: 5 * time.Minute,
	}
}

func newTestReconciler(repo callsession.Repository, b bridge.Bridge, tr RecordingTrigger) (*Reconciler, func(time.Time)) {
	r := NewReconciler(repo, b, staleDefaults(), audit.NewService(nil), tr, nil)
	setNow := func(t time.Time) {
		r.clock = func() time.Time { return t }
	}
	return r, setNow
}

func seedSession(t *testing.T, repo callsession.Repository, id string, createdAt time.Time) callsession.Session {
	t.Helper()
	s := callsession.Session{
		ID:              id,
		ParticipantA:    "member-1",
		ParticipantB:    "partner-1",
		State:           callsession.StateInitiated,
		CreatedAt:       createdAt,
		LastConfirmedAt: createdAt,
		UpdatedAt:       createdAt,
	}
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func TestHandleLegEvent_AnsweredGoesLiveExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	r, setNow := newTestReconciler(repo, &fakeBridge{}, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setNow(now)
	seedSession(t, repo, "s1", now.Add(-time.Minute))

	ev := bridge.LegEvent{SessionID: "s1", LegRef: "CA1", Status: bridge.LegStatusAnswered}
	if err := r.HandleLegEvent(ctx, ev); err != nil {
		t.Fatalf("first answered: %v", err)
	}
	s, _ := repo.GetByID(ctx, "s1")
	if !s.IsLive || s.State != callsession.StateLive {
		t.Fatalf("expected live, got %+v", s)
	}
	started := *s.StartedAt

	// Duplicate "answered" webhooks are no-ops (still confirmations).
	setNow(now.Add(time.Minute))
	if err := r.HandleLegEvent(ctx, ev); err != nil {
		t.Fatalf("duplicate answered: %v", err)
	}
	s, _ = repo.GetByID(ctx, "s1")
	if !s.StartedAt.Equal(started) {
		t.Fatalf("started_at moved on duplicate answered")
	}
	if !s.LastConfirmedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("duplicate answered should refresh confirmation, got %v", s.LastConfirmedAt)
	}
}

func TestHandleLegEvent_TerminalLegEndsSession(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	tr := &triggerRecorder{}
	r, setNow := newTestReconciler(repo, &fakeBridge{}, tr)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setNow(now)
	seedSession(t, repo, "s1", now.Add(-time.Minute))

	ev := bridge.LegEvent{SessionID: "s1", LegRef: "CA1", Status: bridge.LegStatusCompleted, DurationSeconds: 90}
	if err := r.HandleLegEvent(ctx, ev); err != nil {
		t.Fatalf("terminal event: %v", err)
	}
	s, _ := repo.GetByID(ctx, "s1")
	if s.EndedAt == nil || s.IsLive {
		t.Fatalf("expected ended, got %+v", s)
	}
	if s.DurationSeconds != 90 {
		t.Fatalf("duration: %d", s.DurationSeconds)
	}
	if tr.count() != 1 {
		t.Fatalf("pipeline should trigger once, got %d", tr.count())
	}

	// Second terminal event (other leg) must not re-trigger the pipeline.
	if err := r.HandleLegEvent(ctx, bridge.LegEvent{SessionID: "s1", LegRef: "CA2", Status: bridge.LegStatusCompleted}); err != nil {
		t.Fatalf("second terminal event: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("duplicate terminal event re-triggered pipeline")
	}
}

func TestHandleLegEvent_CorrelatesByLegRefWithoutSessionID(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	r, setNow := newTestReconciler(repo, &fakeBridge{}, nil)

	now := time.Now().UTC()
	setNow(now)
	seedSession(t, repo, "s1", now)
	if err := repo.SetBridgeRefs(ctx, "s1", "CF1", []string{"CA9"}); err != nil {
		t.Fatalf("set refs: %v", err)
	}

	if err := r.HandleLegEvent(ctx, bridge.LegEvent{LegRef: "CA9", Status: bridge.LegStatusAnswered}); err != nil {
		t.Fatalf("event by leg ref: %v", err)
	}
	s, _ := repo.GetByID(ctx, "s1")
	if !s.IsLive {
		t.Fatalf("expected live via leg-ref correlation")
	}
}

func TestReclaimStale_LongCeilingAlwaysReclaims(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	fb := &fakeBridge{err: bridge.ErrVerifyTimeout}
	tr := &triggerRecorder{}
	r, setNow := newTestReconciler(repo, fb, tr)

	now := time.Now().UTC()
	setNow(now)
	s := seedSession(t, repo, "old", now.Add(-3*time.Hour))
	if _, err := repo.MarkLive(ctx, s.ID, now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("mark live: %v", err)
	}

	open, _ := repo.ListOpenByParticipant(ctx, "member-1")
	if got := r.ReclaimStale(ctx, open); got != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", got)
	}
	// No bridge verification needed past the ceiling.
	if fb.calls != 0 {
		t.Fatalf("ceiling reclaim should not query the bridge")
	}
	got, _ := repo.GetByID(ctx, "old")
	if got.EndedAt == nil || got.EndReason != ReasonStaleCeiling {
		t.Fatalf("expected ceiling reclaim, got %+v", got)
	}
	if tr.count() != 1 {
		t.Fatalf("reclaim should trigger pipeline")
	}
}

func TestReclaimStale_LiveUnconfirmedWindow(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	r, setNow := newTestReconciler(repo, &fakeBridge{}, nil)

	created := time.Now().UTC().Add(-50 * time.Minute)
	setNow(created)
	s := seedSession(t, repo, "s1", created)
	if _, err := repo.MarkLive(ctx, s.ID, created); err != nil {
		t.Fatalf("mark live: %v", err)
	}

	// 40 minutes with no confirmation exceeds the 30m live window.
	setNow(created.Add(40 * time.Minute))
	open, _ := repo.ListOpenByParticipant(ctx, "member-1")
	if got := r.ReclaimStale(ctx, open); got != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", got)
	}
	got, _ := repo.GetByID(ctx, "s1")
	if got.EndReason != ReasonStaleUnconfirmed {
		t.Fatalf("reason: %q", got.EndReason)
	}
}

func TestReclaimStale_ConnectingWindowNeedsBridgeEvidence(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()

	now := time.Now().UTC()

	// Unknown bridge state: do not reclaim.
	fb := &fakeBridge{err: bridge.ErrVerifyTimeout}
	r, setNow := newTestReconciler(repo, fb, nil)
	setNow(now)
	seedSession(t, repo, "s1", now.Add(-6*time.Minute))
	if err := repo.SetBridgeRefs(ctx, "s1", "CF1", nil); err != nil {
		t.Fatalf("set refs: %v", err)
	}
	open, _ := repo.ListOpenByParticipant(ctx, "member-1")
	if got := r.ReclaimStale(ctx, open); got != 0 {
		t.Fatalf("unknown bridge state must not reclaim, got %d", got)
	}

	// Positive evidence of an empty bridge: reclaim.
	fb.err = nil
	fb.state = bridge.SessionState{Status: bridge.SessionStatusInProgress, ParticipantCount: 0}
	open, _ = repo.ListOpenByParticipant(ctx, "member-1")
	if got := r.ReclaimStale(ctx, open); got != 1 {
		t.Fatalf("empty bridge should reclaim, got %d", got)
	}
	s, _ := repo.GetByID(ctx, "s1")
	if s.EndReason != ReasonStaleBridgeEmpty {
		t.Fatalf("reason: %q", s.EndReason)
	}
}

func TestReclaimStale_BridgeInProgressConfirms(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	fb := &fakeBridge{state: bridge.SessionState{Status: bridge.SessionStatusInProgress, ParticipantCount: 2}}
	r, setNow := newTestReconciler(repo, fb, nil)

	created := time.Now().UTC().Add(-10 * time.Minute)
	now := created.Add(10 * time.Minute)
	setNow(now)
	seedSession(t, repo, "s1", created)
	if err := repo.SetBridgeRefs(ctx, "s1", "CF1", nil); err != nil {
		t.Fatalf("set refs: %v", err)
	}

	open, _ := repo.ListOpenByParticipant(ctx, "member-1")
	if got := r.ReclaimStale(ctx, open); got != 0 {
		t.Fatalf("in-progress bridge must not reclaim, got %d", got)
	}
	s, _ := repo.GetByID(ctx, "s1")
	if !s.LastConfirmedAt.Equal(now) {
		t.Fatalf("bridge verification should confirm the session, got %v", s.LastConfirmedAt)
	}
}

func TestReclaimStale_ConcurrentSweeps_SingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	tr := &triggerRecorder{}
	r, setNow := newTestReconciler(repo, &fakeBridge{}, tr)

	now := time.Now().UTC()
	setNow(now)
	seedSession(t, repo, "s1", now.Add(-3*time.Hour))

	open, _ := repo.ListOpenByParticipant(ctx, "member-1")
	var wg sync.WaitGroup
	total := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total <- r.ReclaimStale(ctx, open)
		}()
	}
	wg.Wait()
	close(total)

	sum := 0
	for n := range total {
		sum += n
	}
	if sum != 1 {
		t.Fatalf("exactly one sweep should win the end, got %d", sum)
	}
	if tr.count() != 1 {
		t.Fatalf("pipeline should trigger once, got %d", tr.count())
	}
}

func TestEndSession_TriggersPipelineOnce(t *testing.T) {
	ctx := context.Background()
	repo := callsession.NewMemoryRepo()
	tr := &triggerRecorder{}
	r, setNow := newTestReconciler(repo, &fakeBridge{}, tr)

	now := time.Now().UTC()
	setNow(now)
	seedSession(t, repo, "s1", now)

	s, err := r.EndSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if s.EndedAt == nil || s.EndReason != ReasonHangup {
		t.Fatalf("expected hangup end, got %+v", s)
	}

	if _, err := r.EndSession(ctx, "s1", ""); err != nil {
		t.Fatalf("second end session: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("pipeline should trigger once, got %d", tr.count())
	}
}
