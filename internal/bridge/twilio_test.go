package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"careline/internal/config"
)

func testBridge(t *testing.T, handler http.Handler) (*TwilioBridge, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b, err := NewTwilioBridge(config.BridgeConfig{
		AccountSID:    "AC-test",
		AuthToken:     "token",
		CallerID:      "+15550100",
		APIBaseURL:    srv.URL + "/2010-04-01",
		VerifyTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b, srv
}

func TestNewTwilioBridge_RequiresCredentials(t *testing.T) {
	_, err := NewTwilioBridge(config.BridgeConfig{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTwilioBridge_PlaceLeg(t *testing.T) {
	var gotTo, gotCallback string
	mux := http.NewServeMux()
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Calls.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotTo = r.PostFormValue("To")
		gotCallback = r.PostFormValue("StatusCallback")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"CA-leg-1","status":"queued"}`))
	})

	b, _ := testBridge(t, mux)
	ref, err := b.PlaceLeg(context.Background(), PlaceLegRequest{
		ToAddress:         "+15550001",
		BridgeSessionRef:  "careline-sess-1",
		SessionID:         "sess-1",
		StatusCallbackURL: "https://api.example.com/webhooks/bridge/leg-status",
	})
	if err != nil {
		t.Fatalf("place leg: %v", err)
	}
	if ref != "CA-leg-1" {
		t.Fatalf("leg ref: %q", ref)
	}
	if gotTo != "+15550001" {
		t.Fatalf("to: %q", gotTo)
	}
	if gotCallback != "https://api.example.com/webhooks/bridge/leg-status?session_id=sess-1" {
		t.Fatalf("callback: %q", gotCallback)
	}
}

func TestTwilioBridge_QueryState_InProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Conferences.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"conferences":[{"sid":"CF1","friendly_name":"careline-sess-1","status":"in-progress"}]}`))
	})
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Conferences/CF1/Participants.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"participants":[{"call_sid":"CA1"},{"call_sid":"CA2"}]}`))
	})

	b, _ := testBridge(t, mux)
	st, err := b.QueryState(context.Background(), "careline-sess-1")
	if err != nil {
		t.Fatalf("query state: %v", err)
	}
	if st.Status != SessionStatusInProgress || st.ParticipantCount != 2 {
		t.Fatalf("state: %+v", st)
	}
	if st.Empty() {
		t.Fatalf("two participants must not be empty")
	}
}

func TestTwilioBridge_QueryState_MissingConferenceIsCompleted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Conferences.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"conferences":[]}`))
	})

	b, _ := testBridge(t, mux)
	st, err := b.QueryState(context.Background(), "careline-gone")
	if err != nil {
		t.Fatalf("query state: %v", err)
	}
	if !st.Terminal() {
		t.Fatalf("missing conference should read as completed, got %+v", st)
	}
}

func TestTwilioBridge_QueryState_TimeoutIsUnknown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Conferences.json", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})

	b, _ := testBridge(t, mux)
	st, err := b.QueryState(context.Background(), "careline-slow")
	if !errors.Is(err, ErrVerifyTimeout) {
		t.Fatalf("expected ErrVerifyTimeout, got %v", err)
	}
	if st.Status != SessionStatusUnknown {
		t.Fatalf("timeout must report unknown, got %+v", st)
	}
}

func TestTwilioBridge_FetchRecording_PrecedenceBridgeRefFirst(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Conferences.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"conferences":[{"sid":"CF1","friendly_name":"careline-sess-1","status":"completed"}]}`))
	})
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Conferences/CF1/Recordings.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"recordings":[{"sid":"RE1","duration":"61","uri":"/2010-04-01/Accounts/AC-test/Recordings/RE1.json"}]}`))
	})

	b, srv := testBridge(t, mux)
	h, err := b.FetchRecording(context.Background(), RecordingLocator{
		BridgeSessionRef: "careline-sess-1",
		LegRef:           "CA-ignored",
	})
	if err != nil {
		t.Fatalf("fetch recording: %v", err)
	}
	if h.RecordingRef != "RE1" || h.DurationSeconds != 61 {
		t.Fatalf("handle: %+v", h)
	}
	want := srv.URL + "/2010-04-01/Accounts/AC-test/Recordings/RE1"
	if h.MediaURL != want {
		t.Fatalf("media url: %q want %q", h.MediaURL, want)
	}
}

func TestTwilioBridge_FetchRecording_NoneFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2010-04-01/Accounts/AC-test/Recordings.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"recordings":[]}`))
	})

	b, _ := testBridge(t, mux)
	_, err := b.FetchRecording(context.Background(), RecordingLocator{LegRef: "CA1"})
	if !errors.Is(err, ErrNoRecording) {
		t.Fatalf("expected ErrNoRecording, got %v", err)
	}
}

func TestTwilioBridge_DownloadRecording(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/media/RE1", func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			t.Errorf("expected basic auth on media download")
		}
		_, _ = w.Write([]byte("audio-bytes"))
	})

	b, srv := testBridge(t, mux)
	got, err := b.DownloadRecording(context.Background(), RecordingHandle{MediaURL: srv.URL + "/media/RE1"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(got) != "audio-bytes" {
		t.Fatalf("body: %q", got)
	}
}
