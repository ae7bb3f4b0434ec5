// Package logstream connects to the backend's push channel of log lines.
//
// A Stream is opened by a Dialer and stays silent until Listen is called,
// so the caller can record the stream before any line can arrive. The end of
// an episode, whether caused by a read error, a server close, or Close, is
// reported exactly once through the ClosedFunc.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultPath is the backend's log channel.
	DefaultPath = "/ws/logs"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ErrClosed is passed to the ClosedFunc when the stream was closed locally.
var ErrClosed = errors.New("log stream closed")

// LineFunc receives one log line. Lines arrive in order on a single goroutine.
type LineFunc func(line string)

// ClosedFunc receives the reason an episode ended.
type ClosedFunc func(err error)

// Stream is one open log channel.
type Stream interface {
	// Listen starts delivering lines. Only the first call has an effect.
	Listen(onLine LineFunc, onClosed ClosedFunc)
	// Close ends the episode. Safe to call more than once.
	Close() error
	// Done is closed once no more callbacks will be made.
	Done() <-chan struct{}
}

// Dialer opens log streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// WSDialer dials the backend log channel over WebSocket.
type WSDialer struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewDialer creates a dialer for the log channel of the backend at baseURL.
func NewDialer(baseURL string, handshakeTimeout time.Duration) (*WSDialer, error) {
	streamURL, err := StreamURL(baseURL)
	if err != nil {
		return nil, err
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &WSDialer{
		url: streamURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
		},
		logger: slog.With("component", "logstream"),
	}, nil
}

// StreamURL derives the ws(s) log channel URL from an http(s) base URL.
func StreamURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("backend URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("backend URL must have a host")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + DefaultPath
	return parsed.String(), nil
}

// URL returns the log channel URL.
func (d *WSDialer) URL() string {
	return d.url
}

// Dial opens the log channel. The handshake is bound to ctx.
func (d *WSDialer) Dial(ctx context.Context) (Stream, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &wsStream{
		conn:   conn,
		logger: d.logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

type wsStream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func (s *wsStream) Listen(onLine LineFunc, onClosed ClosedFunc) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.pingLoop()
	go s.readPump(onLine, onClosed)
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.stop)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	if !started {
		close(s.done)
	}
	return err
}

func (s *wsStream) Done() <-chan struct{} {
	return s.done
}

func (s *wsStream) closedLocally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// readPump forwards lines until the connection fails, then reports once.
func (s *wsStream) readPump(onLine LineFunc, onClosed ClosedFunc) {
	defer close(s.done)

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var err error
	for {
		var data []byte
		_, data, err = s.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		for _, line := range SplitLines(data) {
			onLine(line)
		}
	}

	// Proactive close on error so the socket never outlives the episode.
	_ = s.conn.Close()

	if s.closedLocally() {
		err = ErrClosed
	} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Warn("Log stream read error", "error", err)
	}
	onClosed(err)
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// SplitLines splits a frame into lines. A trailing newline does not produce
// an empty line, so a frame holding only a newline yields nothing, and a
// trailing carriage return is dropped from each line.
func SplitLines(data []byte) []string {
	text := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts
}
