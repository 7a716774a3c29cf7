package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"careline/internal/config"
)

// Summary is the structured output of summarization. Composed flattens it
// into the single text persisted on the session.
type Summary struct {
	Text        string   `json:"summary"`
	KeyPoints   []string `json:"key_points"`
	ActionItems []string `json:"action_items"`
}

func (s Summary) Composed() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Text))
	if len(s.KeyPoints) > 0 {
		b.WriteString("\n\nKey points:")
		for _, p := range s.KeyPoints {
			b.WriteString("\n- " + p)
		}
	}
	if len(s.ActionItems) > 0 {
		b.WriteString("\n\nAction items:")
		for _, a := range s.ActionItems {
			b.WriteString("\n- " + a)
		}
	}
	return b.String()
}

// SummarizeRequest carries the transcript plus the participant metadata the
// summarization service uses for speaker attribution.
type SummarizeRequest struct {
	Transcript   string   `json:"transcript"`
	Participants []string `json:"participants,omitempty"`
}

// Summarizer condenses a call transcript.
type Summarizer interface {
	Summarize(ctx context.Context, req SummarizeRequest) (Summary, error)
}

// HTTPSummarizer calls an LLM-backed summarization endpoint.
type HTTPSummarizer struct {
	cfg    config.SummarizeConfig
	client *http.Client
}

func NewHTTPSummarizer(cfg config.SummarizeConfig) *HTTPSummarizer {
	return &HTTPSummarizer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, req SummarizeRequest) (Summary, error) {
	payload, _ := json.Marshal(map[string]any{
		"model":        s.cfg.Model,
		"transcript":   req.Transcript,
		"participants": req.Participants,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBaseURL+"/v1/summaries", bytes.NewReader(payload))
	if err != nil {
		return Summary{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Summary{}, fmt.Errorf("summarize: status %d: %s", resp.StatusCode, string(body))
	}

	var out Summary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Summary{}, fmt.Errorf("summarize: decode: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return Summary{}, fmt.Errorf("summarize: empty summary")
	}
	return out, nil
}
