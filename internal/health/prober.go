package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Prober performs a single readiness check against the backend.
// A false result covers every failure mode; it is never an error.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProber probes GET {base}/health.
type HTTPProber struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPProber creates a prober for the backend at baseURL.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProber{
		url: strings.TrimRight(baseURL, "/") + "/health",
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    2,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		timeout: timeout,
		logger:  slog.With("component", "prober"),
	}
}

// URL returns the probed endpoint.
func (p *HTTPProber) URL() string {
	return p.url
}

// Probe returns true when the backend answers with a 2xx status within the timeout.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("Probe request invalid", "url", p.url, "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Backend not reachable", "url", p.url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Debug("Backend not ready", "url", p.url, "status", resp.StatusCode)
		return false
	}
	return true
}
