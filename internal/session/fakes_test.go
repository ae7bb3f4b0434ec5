package session

import (
	"context"
	"errors"
	"jobmonitor/internal/job"
	"jobmonitor/internal/logstream"
	"jobmonitor/pkg/backoff"
	"sync"
	"sync/atomic"
	"time"
)

// scriptedProber fails the first `failures` probes and succeeds afterwards.
type scriptedProber struct {
	failures int64
	calls    atomic.Int64
}

func (p *scriptedProber) Probe(ctx context.Context) bool {
	return p.calls.Add(1) > p.failures
}

type fakeStream struct {
	d *fakeDialer

	mu        sync.Mutex
	onLine    logstream.LineFunc
	onClosed  logstream.ClosedFunc
	listening bool
	closed    bool
	done      chan struct{}
}

func (s *fakeStream) Listen(onLine logstream.LineFunc, onClosed logstream.ClosedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening || s.closed {
		return
	}
	s.listening = true
	s.onLine = onLine
	s.onClosed = onClosed
}

// Emit delivers lines synchronously, as the read goroutine would.
func (s *fakeStream) Emit(lines ...string) {
	s.mu.Lock()
	onLine := s.onLine
	closed := s.closed
	s.mu.Unlock()
	if onLine == nil || closed {
		return
	}
	for _, line := range lines {
		onLine(line)
	}
}

// Drop ends the episode from the remote side.
func (s *fakeStream) Drop() {
	s.finish(errors.New("connection reset by peer"))
}

func (s *fakeStream) Close() error {
	s.finish(logstream.ErrClosed)
	return nil
}

func (s *fakeStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	onClosed := s.onClosed
	s.mu.Unlock()

	s.d.active.Add(-1)
	if onClosed != nil {
		onClosed(err)
	}
	close(s.done)
}

func (s *fakeStream) Done() <-chan struct{} {
	return s.done
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) isListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// fakeDialer hands out fakeStreams and tracks how many are open at once.
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	fail    atomic.Int64

	opens     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

func (d *fakeDialer) Dial(ctx context.Context) (logstream.Stream, error) {
	if d.fail.Load() > 0 {
		d.fail.Add(-1)
		return nil, errors.New("handshake failed")
	}

	s := &fakeStream{d: d, done: make(chan struct{})}
	d.opens.Add(1)
	n := d.active.Add(1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) latest() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// fakeSubmitter records submissions and answers with err.
type fakeSubmitter struct {
	mu      sync.Mutex
	configs []job.Config
	err     error
	release chan struct{}
}

func (s *fakeSubmitter) Submit(ctx context.Context, cfg job.Config) (*job.Response, error) {
	s.mu.Lock()
	s.configs = append(s.configs, cfg)
	err, release := s.err, s.release
	s.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &job.Response{Status: "started"}, nil
}

func (s *fakeSubmitter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

type stageChange struct {
	from, to int
}

// recordingListener captures every callback.
type recordingListener struct {
	mu       sync.Mutex
	started  []string
	conns    []ConnectionState
	stages   []stageChange
	outcomes []Outcome
	messages []string
	order    []string

	// onStart runs inside JobStarted, outside the recorder's lock.
	onStart func()
}

func (l *recordingListener) JobStarted(jobID string, cfg job.Config) {
	l.mu.Lock()
	l.started = append(l.started, jobID)
	l.order = append(l.order, "start")
	onStart := l.onStart
	l.mu.Unlock()
	if onStart != nil {
		onStart()
	}
}

func (l *recordingListener) ConnectionChanged(from, to ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns = append(l.conns, to)
}

func (l *recordingListener) StageChanged(jobID string, from, to int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stageChange{from, to})
	l.order = append(l.order, "stage")
}

func (l *recordingListener) OutcomeSet(jobID string, outcome Outcome, message string, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, outcome)
	l.messages = append(l.messages, message)
	l.order = append(l.order, "outcome")
}

func (l *recordingListener) callbackOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *recordingListener) stageChanges() []stageChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stageChange(nil), l.stages...)
}

func (l *recordingListener) outcomeList() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome(nil), l.outcomes...)
}

func (l *recordingListener) connectionList() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.conns...)
}

type harness struct {
	ctrl      *Controller
	prober    *scriptedProber
	dialer    *fakeDialer
	submitter *fakeSubmitter
	listener  *recordingListener
}

type harnessOption func(*Options)

func withReconnectDelay(d time.Duration) harnessOption {
	return func(o *Options) { o.ReconnectPolicy = backoff.Constant(d) }
}

func withProbeFailures(n int64) harnessOption {
	return func(o *Options) { o.Prober.(*scriptedProber).failures = n }
}

func viralConfig() job.Config {
	cfg := job.DefaultConfig()
	cfg.Mode = job.ModeViral
	cfg.URL = "https://example.com/watch?v=1"
	return cfg
}
