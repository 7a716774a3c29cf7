package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"careline/internal/config"
)

// Transcriber converts call audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

var ErrTranscribeTimeout = errors.New("pipeline: transcription polling ceiling reached")

// HTTPTranscriber drives an async speech-to-text API: upload the audio,
// submit a transcription job, then poll the job until it completes or the
// poll ceiling is hit.
type HTTPTranscriber struct {
	cfg    config.TranscribeConfig
	client *http.Client
}

func NewHTTPTranscriber(cfg config.TranscribeConfig) *HTTPTranscriber {
	return &HTTPTranscriber{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	uploadURL, err := t.upload(ctx, audio)
	if err != nil {
		return "", err
	}
	jobID, err := t.submit(ctx, uploadURL)
	if err != nil {
		return "", err
	}
	return t.poll(ctx, jobID)
}

func (t *HTTPTranscriber) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIBaseURL+"/v2/upload", bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := t.do(req, &out); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	return out.UploadURL, nil
}

func (t *HTTPTranscriber) submit(ctx context.Context, audioURL string) (string, error) {
	body, _ := json.Marshal(map[string]string{"audio_url": audioURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIBaseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		ID string `json:"id"`
	}
	if err := t.do(req, &out); err != nil {
		return "", fmt.Errorf("submit transcript job: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("pipeline: transcript job id missing")
	}
	return out.ID, nil
}

func (t *HTTPTranscriber) poll(ctx context.Context, jobID string) (string, error) {
	deadline := time.Now().Add(t.cfg.PollCeiling)
	ticker := time.NewTicker(t.cfg.PollEvery)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.APIBaseURL+"/v2/transcript/"+jobID, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", t.cfg.APIKey)

		var out struct {
			Status string `json:"status"`
			Text   string `json:"text"`
			Error  string `json:"error"`
		}
		if err := t.do(req, &out); err != nil {
			return "", fmt.Errorf("poll transcript job: %w", err)
		}
		switch out.Status {
		case "completed":
			return out.Text, nil
		case "error":
			return "", fmt.Errorf("pipeline: transcription failed: %s", out.Error)
		}

		if time.Now().After(deadline) {
			return "", ErrTranscribeTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *HTTPTranscriber) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
