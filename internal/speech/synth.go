package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"outreach-platform/internal/jobs"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, speed float64) ([]byte, error)
}

// HTTPSynthesizer posts {"text","voice","speed"} to Endpoint and expects the
// audio bytes back.
type HTTPSynthesizer struct {
	Endpoint string
	APIKey   string
	Client   *http.Client

	// MaxBytes bounds the response body.
	MaxBytes int64
}

func NewHTTPSynthesizer(endpoint, apiKey string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 60 * time.Second},
		MaxBytes: 20 << 20,
	}
}

type synthRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

func (h *HTTPSynthesizer) Synthesize(ctx context.Context, text, voice string, speed float64) ([]byte, error) {
	if h.Endpoint == "" {
		return nil, jobs.Permanent(errors.New("speech: synthesizer endpoint not configured"))
	}
	body, err := json.Marshal(synthRequest{Text: text, Voice: voice, Speed: speed})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: provider request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err := fmt.Errorf("speech: provider status %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return nil, jobs.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return nil, err
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, jobs.Permanent(fmt.Errorf("speech: provider status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, h.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("speech: read audio: %w", err)
	}
	if int64(len(audio)) > h.MaxBytes {
		return nil, jobs.Permanent(fmt.Errorf("speech: audio exceeds %d bytes", h.MaxBytes))
	}
	if len(audio) == 0 {
		return nil, errors.New("speech: provider returned no audio")
	}
	return audio, nil
}
