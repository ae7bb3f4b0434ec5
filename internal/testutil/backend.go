package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Backend is an in-process stand-in for the job processor. It serves
// GET /health, the /ws/logs push channel and POST /start-job.
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	healthy      bool
	closing      bool
	conns        map[*websocket.Conn]struct{}
	submissions  [][]byte
	submitStatus int
	submitBody   string

	healthCalls atomic.Int64
	connects    atomic.Int64
}

// NewBackend starts a healthy backend that accepts every submission.
// It is shut down when the test finishes.
func NewBackend(tb testing.TB) *Backend {
	tb.Helper()

	b := &Backend{
		healthy:      true,
		conns:        make(map[*websocket.Conn]struct{}),
		submitStatus: http.StatusOK,
		submitBody:   `{"status":"started"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /ws/logs", b.handleLogs)
	mux.HandleFunc("POST /start-job", b.handleStartJob)
	b.server = httptest.NewServer(mux)

	tb.Cleanup(b.Close)
	return b
}

// URL returns the backend base URL.
func (b *Backend) URL() string {
	return b.server.URL
}

// SetHealthy controls the /health answer and whether /ws/logs accepts upgrades.
func (b *Backend) SetHealthy(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
}

// SetSubmitResponse sets the status and body returned by /start-job.
func (b *Backend) SetSubmitResponse(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitStatus = status
	b.submitBody = body
}

// Send pushes each line as its own frame to every open stream and returns
// the number of streams written to.
func (b *Backend) Send(lines ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		for _, line := range lines {
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				break
			}
		}
	}
	return len(b.conns)
}

// DropStreams closes every open stream without a close handshake.
func (b *Backend) DropStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.Close()
		delete(b.conns, conn)
	}
}

// Streams returns the number of currently open streams.
func (b *Backend) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Connects returns the total number of accepted stream connections.
func (b *Backend) Connects() int64 {
	return b.connects.Load()
}

// HealthCalls returns the number of /health requests served.
func (b *Backend) HealthCalls() int64 {
	return b.healthCalls.Load()
}

// Submissions returns the raw bodies posted to /start-job.
func (b *Backend) Submissions() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.submissions...)
}

// Close drops streams and stops the server.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	b.mu.Unlock()

	b.DropStreams()
	b.server.Close()
}

func (b *Backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.healthCalls.Add(1)
	b.mu.Lock()
	healthy := b.healthy
	b.mu.Unlock()

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func (b *Backend) handleLogs(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	refuse := !b.healthy || b.closing
	b.mu.Unlock()
	if refuse {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	b.connects.Add(1)

	// Drain client frames until the connection ends.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *Backend) handleStartJob(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	b.submissions = append(b.submissions, body)
	status, resp := b.submitStatus, b.submitBody
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp)
}
