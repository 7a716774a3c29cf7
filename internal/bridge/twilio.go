package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"careline/internal/config"
)

// defaultAPIBaseURL is the Twilio REST API base.
const defaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioBridge implements Bridge against the Twilio REST API.
//
// No SDK: the surface we use is four endpoints, and keeping it as plain HTTP
// keeps provider types from leaking into business logic.
type TwilioBridge struct {
	accountSID    string
	authToken     string
	callerID      string
	baseURL       string
	verifyTimeout time.Duration
	httpc         *http.Client
}

// NewTwilioBridge builds a TwilioBridge from config. Returns ErrNotConfigured
// when credentials are absent; callers should fall back to NotConfigured{}.
func NewTwilioBridge(cfg config.BridgeConfig) (*TwilioBridge, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	base := cfg.APIBaseURL
	if base == "" {
		base = defaultAPIBaseURL
	}
	vt := cfg.VerifyTimeout
	if vt <= 0 {
		vt = 2 * time.Second
	}
	return &TwilioBridge{
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		callerID:      cfg.CallerID,
		baseURL:       strings.TrimRight(base, "/"),
		verifyTimeout: vt,
		httpc:         &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (b *TwilioBridge) Name() string { return "twilio" }

type twilioCall struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

type twilioConference struct {
	Sid          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
}

type twilioConferenceList struct {
	Conferences []twilioConference `json:"conferences"`
}

type twilioParticipantList struct {
	Participants []struct {
		CallSid string `json:"call_sid"`
	} `json:"participants"`
}

type twilioRecording struct {
	Sid      string `json:"sid"`
	Duration string `json:"duration"`
	URI      string `json:"uri"`
}

type twilioRecordingList struct {
	Recordings []twilioRecording `json:"recordings"`
}

func (b *TwilioBridge) PlaceLeg(ctx context.Context, req PlaceLegRequest) (LegRef, error) {
	if req.ToAddress == "" || req.BridgeSessionRef == "" {
		return "", fmt.Errorf("bridge: to address and bridge session ref are required")
	}

	// Inline TwiML dials the leg straight into the shared conference.
	twiml := fmt.Sprintf(
		`<Response><Dial><Conference endConferenceOnExit="true" record="record-from-start">%s</Conference></Dial></Response>`,
		req.BridgeSessionRef,
	)

	form := url.Values{}
	form.Set("To", req.ToAddress)
	form.Set("From", b.callerID)
	form.Set("Twiml", twiml)
	if req.StatusCallbackURL != "" {
		cb := req.StatusCallbackURL
		if req.SessionID != "" {
			sep := "?"
			if strings.Contains(cb, "?") {
				sep = "&"
			}
			cb = cb + sep + "session_id=" + url.QueryEscape(req.SessionID)
		}
		form.Set("StatusCallback", cb)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}

	var call twilioCall
	if err := b.postForm(ctx, "/Calls.json", form, &call); err != nil {
		return "", fmt.Errorf("bridge: place leg: %w", err)
	}
	if call.Sid == "" {
		return "", fmt.Errorf("bridge: place leg: empty call sid")
	}
	return LegRef(call.Sid), nil
}

func (b *TwilioBridge) QueryState(ctx context.Context, bridgeSessionRef string) (SessionState, error) {
	if bridgeSessionRef == "" {
		return SessionState{Status: SessionStatusUnknown}, fmt.Errorf("bridge: bridge session ref is required")
	}

	// Hard deadline for the whole verification; timeout means unknown.
	qctx, cancel := context.WithTimeout(ctx, b.verifyTimeout)
	defer cancel()

	var list twilioConferenceList
	q := url.Values{}
	q.Set("FriendlyName", bridgeSessionRef)
	q.Set("PageSize", "1")
	if err := b.get(qctx, "/Conferences.json", q, &list); err != nil {
		return SessionState{Status: SessionStatusUnknown}, wrapTimeout(err)
	}
	if len(list.Conferences) == 0 {
		// Never created or already aged out provider-side.
		return SessionState{Status: SessionStatusCompleted}, nil
	}
	conf := list.Conferences[0]

	state := SessionState{Status: SessionStatus(conf.Status)}
	switch conf.Status {
	case "init", "in-progress", "completed":
	default:
		state.Status = SessionStatusUnknown
	}
	if state.Status != SessionStatusInProgress {
		return state, nil
	}

	var parts twilioParticipantList
	if err := b.get(qctx, "/Conferences/"+conf.Sid+"/Participants.json", nil, &parts); err != nil {
		// The conference exists and is in progress; report that much even
		// if the participant count is unknowable right now.
		return state, wrapTimeout(err)
	}
	state.ParticipantCount = len(parts.Participants)
	return state, nil
}

func (b *TwilioBridge) FetchRecording(ctx context.Context, loc RecordingLocator) (RecordingHandle, error) {
	if loc.MediaURL != "" {
		return RecordingHandle{MediaURL: loc.MediaURL}, nil
	}

	// Precedence: bridge session ref (conference recordings), then leg ref.
	if loc.BridgeSessionRef != "" {
		var confs twilioConferenceList
		q := url.Values{}
		q.Set("FriendlyName", loc.BridgeSessionRef)
		q.Set("PageSize", "1")
		if err := b.get(ctx, "/Conferences.json", q, &confs); err == nil && len(confs.Conferences) > 0 {
			var recs twilioRecordingList
			if err := b.get(ctx, "/Conferences/"+confs.Conferences[0].Sid+"/Recordings.json", nil, &recs); err == nil {
				if h, ok := b.pickRecording(recs); ok {
					return h, nil
				}
			}
		}
	}
	if loc.LegRef != "" {
		var recs twilioRecordingList
		q := url.Values{}
		q.Set("CallSid", loc.LegRef)
		if err := b.get(ctx, "/Recordings.json", q, &recs); err != nil {
			return RecordingHandle{}, fmt.Errorf("bridge: list recordings: %w", err)
		}
		if h, ok := b.pickRecording(recs); ok {
			return h, nil
		}
	}
	return RecordingHandle{}, ErrNoRecording
}

func (b *TwilioBridge) DownloadRecording(ctx context.Context, h RecordingHandle) ([]byte, error) {
	if h.MediaURL == "" {
		return nil, ErrNoRecording
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.MediaURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(b.accountSID, b.authToken)
	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge: download recording: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *TwilioBridge) pickRecording(list twilioRecordingList) (RecordingHandle, bool) {
	if len(list.Recordings) == 0 {
		return RecordingHandle{}, false
	}
	rec := list.Recordings[0]
	dur, _ := strconv.Atoi(rec.Duration)
	media := rec.URI
	if media != "" && !strings.HasPrefix(media, "http") {
		// URIs come back relative with a .json suffix; the media lives at
		// the same path without it.
		media = strings.TrimSuffix(b.apiRoot()+media, ".json")
	}
	return RecordingHandle{
		RecordingRef:    rec.Sid,
		MediaURL:        media,
		DurationSeconds: dur,
	}, true
}

func (b *TwilioBridge) accountURL(path string) string {
	return b.baseURL + "/Accounts/" + b.accountSID + path
}

// apiRoot strips the version path for relative URIs that already include it.
func (b *TwilioBridge) apiRoot() string {
	if i := strings.LastIndex(b.baseURL, "/2010-04-01"); i >= 0 {
		return b.baseURL[:i]
	}
	return b.baseURL
}

func (b *TwilioBridge) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.accountURL(path), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(b.accountSID, b.authToken)
	return b.do(req, out)
}

func (b *TwilioBridge) get(ctx context.Context, path string, q url.Values, out any) error {
	u := b.accountURL(path)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(b.accountSID, b.authToken)
	return b.do(req, out)
}

func (b *TwilioBridge) do(req *http.Request, out any) error {
	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func wrapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrVerifyTimeout, err)
	}
	return err
}
