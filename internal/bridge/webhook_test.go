package bridge

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseLegStatusWebhook(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "in-progress")
	form.Set("ConferenceSid", "CF456")
	form.Set("CallDuration", "42")

	req := httptest.NewRequest("POST", "/webhooks/bridge/leg-status?session_id=sess-1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ev, err := ParseLegStatusWebhook(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.SessionID != "sess-1" {
		t.Fatalf("session id: %q", ev.SessionID)
	}
	if ev.LegRef != "CA123" {
		t.Fatalf("leg ref: %q", ev.LegRef)
	}
	if ev.Status != LegStatusAnswered {
		t.Fatalf("status: %q", ev.Status)
	}
	if ev.BridgeSessionRef != "CF456" {
		t.Fatalf("bridge ref: %q", ev.BridgeSessionRef)
	}
	if ev.DurationSeconds != 42 {
		t.Fatalf("duration: %d", ev.DurationSeconds)
	}
}

func TestMapCallStatus(t *testing.T) {
	cases := map[string]LegStatus{
		"in-progress": LegStatusAnswered,
		"completed":   LegStatusCompleted,
		"busy":        LegStatusBusy,
		"no-answer":   LegStatusNoAnswer,
		"failed":      LegStatusFailed,
		"canceled":    LegStatusCanceled,
		"ringing":     LegStatusRinging,
		"garbage":     LegStatusUnknown,
	}
	for in, want := range cases {
		if got := mapCallStatus(in); got != want {
			t.Fatalf("mapCallStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLegStatus_Terminal(t *testing.T) {
	for _, s := range []LegStatus{LegStatusCompleted, LegStatusBusy, LegStatusNoAnswer, LegStatusFailed, LegStatusCanceled} {
		if !s.Terminal() {
			t.Fatalf("%q should be terminal", s)
		}
	}
	for _, s := range []LegStatus{LegStatusQueued, LegStatusRinging, LegStatusAnswered, LegStatusUnknown} {
		if s.Terminal() {
			t.Fatalf("%q should not be terminal", s)
		}
	}
}
