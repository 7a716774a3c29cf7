package callsession

import (
	"testing"
	"time"
)

func TestStateValuesAreNonEmpty(t *testing.T) {
	states := []State{StateInitiated, StateConnecting, StateLive, StateEnded}
	for _, s := range states {
		if s == "" {
			t.Fatalf("expected non-empty state")
		}
	}
}

func TestSession_ActiveAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	liveWindow := 30 * time.Minute
	connectingWindow := 5 * time.Minute

	cases := []struct {
		name string
		s    Session
		want bool
	}{
		{
			name: "live one minute old is active",
			s: Session{
				State: StateLive, IsLive: true,
				CreatedAt:       now.Add(-time.Minute),
				LastConfirmedAt: now.Add(-time.Minute),
			},
			want: true,
		},
		{
			name: "not live six minutes old is not active",
			s: Session{
				State:     StateConnecting,
				CreatedAt: now.Add(-6 * time.Minute),
			},
			want: false,
		},
		{
			name: "connecting within window is active regardless of liveness",
			s: Session{
				State:     StateInitiated,
				CreatedAt: now.Add(-2 * time.Minute),
			},
			want: true,
		},
		{
			name: "live but unconfirmed past the live window is not active",
			s: Session{
				State: StateLive, IsLive: true,
				CreatedAt:       now.Add(-time.Hour),
				LastConfirmedAt: now.Add(-45 * time.Minute),
			},
			want: false,
		},
		{
			name: "ended is never active",
			s: Session{
				State: StateEnded, IsLive: false,
				CreatedAt: now.Add(-time.Minute),
				EndedAt:   ptrTime(now.Add(-30 * time.Second)),
			},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.s.ActiveAt(now, liveWindow, connectingWindow); got != tc.want {
				t.Fatalf("ActiveAt = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSession_UnconfirmedFor_FallsBackToCreatedAt(t *testing.T) {
	now := time.Now().UTC()
	s := Session{CreatedAt: now.Add(-10 * time.Minute)}
	if got := s.UnconfirmedFor(now); got != 10*time.Minute {
		t.Fatalf("expected 10m, got %v", got)
	}
}

func TestSession_Involves(t *testing.T) {
	s := Session{ParticipantA: "member-1", ParticipantB: "partner-2"}
	if !s.Involves("member-1") || !s.Involves("partner-2") {
		t.Fatalf("expected both participants to be involved")
	}
	if s.Involves("stranger") {
		t.Fatalf("expected stranger not involved")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
