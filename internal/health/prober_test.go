package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProber_Probe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"starting up", http.StatusServiceUnavailable, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			p := NewHTTPProber(server.URL+"/", time.Second)
			if got := p.Probe(context.Background()); got != tt.want {
				t.Errorf("Probe() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPProber_Unreachable(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	p := NewHTTPProber(url, 200*time.Millisecond)
	if p.Probe(context.Background()) {
		t.Error("expected closed server to be not ready")
	}
}

func TestHTTPProber_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := NewHTTPProber(server.URL, 50*time.Millisecond)

	start := time.Now()
	if p.Probe(context.Background()) {
		t.Error("expected hanging backend to be not ready")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe did not honor timeout, took %v", elapsed)
	}
}

func TestHTTPProber_URL(t *testing.T) {
	t.Parallel()
	p := NewHTTPProber("http://127.0.0.1:8000/", 0)
	if p.URL() != "http://127.0.0.1:8000/health" {
		t.Errorf("URL() = %q", p.URL())
	}
}

func TestProberFunc(t *testing.T) {
	t.Parallel()
	var calls int
	p := ProberFunc(func(context.Context) bool {
		calls++
		return calls > 1
	})

	if p.Probe(context.Background()) {
		t.Error("expected first probe to fail")
	}
	if !p.Probe(context.Background()) {
		t.Error("expected second probe to succeed")
	}
}
