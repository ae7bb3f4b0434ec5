package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"jobmonitor/internal/apperrors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SubmitPath is the backend's job submission endpoint.
const SubmitPath = "/start-job"

const maxResponseBody = 64 << 10

// Response is the backend's answer to an accepted submission.
type Response struct {
	Status string `json:"status"`
}

// Submitter hands a job to the backend.
type Submitter interface {
	Submit(ctx context.Context, cfg Config) (*Response, error)
}

// HTTPSubmitter posts job configs to {base}/start-job.
type HTTPSubmitter struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSubmitter creates a submitter for the backend at baseURL.
func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSubmitter{
		url: strings.TrimRight(baseURL, "/") + SubmitPath,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    2,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger: slog.With("component", "submitter"),
	}
}

// URL returns the submission endpoint.
func (s *HTTPSubmitter) URL() string {
	return s.url
}

// Submit posts cfg as JSON. A transport failure yields an
// apperrors.ErrUnavailable error; a non-2xx answer yields an
// apperrors.ErrSubmission error whose message is the backend's detail.
func (s *HTTPSubmitter) Submit(ctx context.Context, cfg Config) (*Response, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, apperrors.Internal("marshal job config", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Internal("create submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("job.submit", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Unavailable("job.submit", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := DetailMessage(data, resp.StatusCode)
		s.logger.Warn("Backend rejected job", "status", resp.StatusCode, "detail", detail)
		return nil, apperrors.Submission(resp.StatusCode, detail)
	}

	out := &Response{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			s.logger.Debug("Unparseable submit response", "error", err)
		}
	}
	if out.Status == "" {
		out.Status = "started"
	}
	return out, nil
}

// validationItem is one entry of a list-form detail.
type validationItem struct {
	Msg string `json:"msg"`
}

// DetailMessage extracts the user-facing text from an error response body.
// A string detail is returned verbatim; a list of validation items has its
// msg fields joined. Anything else yields a generic message with the status.
func DetailMessage(body []byte, status int) string {
	generic := fmt.Sprintf("job submission failed (HTTP %d)", status)

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return generic
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return generic
		}
		return text
	}

	var items []validationItem
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return generic
}
