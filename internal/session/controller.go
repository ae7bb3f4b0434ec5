package session

import (
	"context"
	"errors"
	"fmt"
	"jobmonitor/internal/apperrors"
	"jobmonitor/internal/health"
	"jobmonitor/internal/job"
	"jobmonitor/internal/logstream"
	"jobmonitor/internal/progress"
	"jobmonitor/pkg/backoff"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a controller that was shut down.
var ErrClosed = errors.New("session controller is shut down")

const (
	defaultProbeInterval  = time.Second
	defaultReconnectDelay = 3 * time.Second
	streamDrainTimeout    = 5 * time.Second
)

// Options configures a Controller. Prober, Dialer and Submitter are required.
type Options struct {
	Prober     health.Prober
	Dialer     logstream.Dialer
	Submitter  job.Submitter
	Classifier *progress.Classifier

	// ProbePolicy spaces consecutive failed probes (default: 1s constant).
	ProbePolicy backoff.Policy
	// ReconnectPolicy is the pause after a stream episode ends (default: 3s constant).
	ReconnectPolicy backoff.Policy

	LogBufferSize int
	Listener      Listener
	Metrics       MetricsRecorder
}

type eventKind int

const (
	evStreamOpened eventKind = iota
	evStreamFailed
	evLine
	evStreamClosed
	evReconnect
)

// event is posted to the loop. gen identifies the connection episode that
// produced it; events from an earlier episode are discarded.
type event struct {
	kind   eventKind
	gen    uint64
	stream logstream.Stream
	line   string
	err    error
}

// Controller owns the session state. A single loop goroutine serializes
// everything that happens on the connection: probe results, stream lines,
// stream loss and reconnect timers. Start and the read accessors may be
// called from any goroutine.
type Controller struct {
	prober          health.Prober
	dialer          logstream.Dialer
	submitter       job.Submitter
	classifier      *progress.Classifier
	probePolicy     backoff.Policy
	reconnectPolicy backoff.Policy
	listener        Listener
	metrics         MetricsRecorder
	logger          *slog.Logger

	logs   *LogBuffer
	events chan event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	running    bool
	closed     bool
	conn       ConnectionState
	phase      Phase
	jobID      string
	stage      int
	outcome    Outcome
	errMsg     string
	startedAt  time.Time
	finishedAt time.Time
	updated    chan struct{}

	// Owned by the loop goroutine.
	gen           uint64
	failures      int
	stream        logstream.Stream
	streamSince   time.Time
	episodeCancel context.CancelFunc
}

// New creates a controller. Call Run to start monitoring.
func New(opts Options) (*Controller, error) {
	if opts.Prober == nil {
		return nil, fmt.Errorf("session: prober is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if opts.Submitter == nil {
		return nil, fmt.Errorf("session: submitter is required")
	}
	if opts.Classifier == nil {
		opts.Classifier = progress.Default()
	}
	if opts.ProbePolicy == nil {
		opts.ProbePolicy = backoff.Constant(defaultProbeInterval)
	}
	if opts.ReconnectPolicy == nil {
		opts.ReconnectPolicy = backoff.Constant(defaultReconnectDelay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		prober:          opts.Prober,
		dialer:          opts.Dialer,
		submitter:       opts.Submitter,
		classifier:      opts.Classifier,
		probePolicy:     opts.ProbePolicy,
		reconnectPolicy: opts.ReconnectPolicy,
		listener:        opts.Listener,
		metrics:         opts.Metrics,
		logger:          slog.With("component", "session"),
		logs:            NewLogBuffer(opts.LogBufferSize),
		events:          make(chan event),
		ctx:             ctx,
		cancel:          cancel,
		updated:         make(chan struct{}),
	}, nil
}

// Run starts the monitoring loop. It returns immediately; monitoring lasts
// until Shutdown. Calling Run more than once has no further effect.
func (c *Controller) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}
	c.running = true

	c.wg.Add(1)
	go c.loop()
	return nil
}

// Shutdown stops probing, cancels pending reconnects and closes the stream.
// It waits for every goroutine the controller started or for ctx to expire.
// Safe to call more than once and before Run.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if first {
		c.logger.Info("Session shutting down")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.logger.Warn("Session shutdown timed out")
		return ctx.Err()
	}
}

// Start submits a new job. It is rejected with a conflict error while
// another job is unresolved. On acceptance the log buffer is cleared and the
// stage and outcome are reset before the request is sent, so every line that
// arrives from then on belongs to the new job. A rejected submission marks the
// job failed and leaves the connection untouched.
func (c *Controller) Start(ctx context.Context, cfg job.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.phase.Active() {
		active := c.jobID
		c.mu.Unlock()
		c.logger.Info("Start rejected, job already running", "jobId", active)
		return "", apperrors.Conflict("job", "a job is already running")
	}

	jobID := uuid.NewString()
	c.logs.Reset()
	c.jobID = jobID
	c.stage = 0
	c.outcome = OutcomeNone
	c.errMsg = ""
	c.phase = phaseFor(c.conn)
	c.startedAt = time.Now().UTC()
	c.finishedAt = time.Time{}
	c.changedLocked()
	// Lines for this job wait on the lock, so JobStarted precedes their callbacks.
	if c.listener != nil {
		c.listener.JobStarted(jobID, cfg)
	}
	c.mu.Unlock()

	logger := c.logger.With("jobId", jobID, "mode", cfg.Mode)

	// Submission is abandoned when the controller shuts down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if _, err := c.submitter.Submit(ctx, cfg); err != nil {
		c.recordSubmission(ctx, submissionResult(err))
		logger.Warn("Job submission failed", "error", err)
		c.failSubmission(jobID, err)
		return "", err
	}

	c.recordSubmission(ctx, "accepted")
	logger.Info("Job submitted")
	return jobID, nil
}

func (c *Controller) failSubmission(jobID string, err error) {
	c.mu.Lock()
	if c.jobID != jobID || !c.phase.Active() {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseFailed
	c.outcome = OutcomeFailure
	c.errMsg = err.Error()
	c.finishedAt = time.Now().UTC()
	elapsed := c.finishedAt.Sub(c.startedAt)
	c.changedLocked()
	c.mu.Unlock()

	c.finished(jobID, OutcomeFailure, err.Error(), elapsed)
}

func submissionResult(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, apperrors.ErrSubmission):
		return "rejected"
	default:
		return "error"
	}
}

// Snapshot returns a consistent copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		JobID:      c.jobID,
		Connection: c.conn,
		Phase:      c.phase,
		Stage:      c.stage,
		StageName:  progress.StageName(c.stage),
		Outcome:    c.outcome,
		Error:      c.errMsg,
		LastSeq:    c.logs.LastSeq(),
		LineCount:  c.logs.Len(),
		Dropped:    c.logs.Dropped(),
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		s.StartedAt = &started
	}
	if !c.finishedAt.IsZero() {
		finished := c.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

// Connection returns the current connection state.
func (c *Controller) Connection() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Lines returns the retained lines of the current job in order.
func (c *Controller) Lines() []string {
	return c.logs.Texts()
}

// LogsSince returns retained lines with a sequence number greater than seq.
func (c *Controller) LogsSince(seq int64) []Line {
	return c.logs.Since(seq)
}

// Updated returns a channel that is closed on the next state change.
func (c *Controller) Updated() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Ready reports nil while the log stream is connected.
func (c *Controller) Ready(ctx context.Context) error {
	if state := c.Connection(); state != Streaming {
		return fmt.Errorf("log stream not connected (state: %s)", state)
	}
	return nil
}

// changedLocked wakes everyone waiting on Updated. Caller holds c.mu.
func (c *Controller) changedLocked() {
	close(c.updated)
	c.updated = make(chan struct{})
}

func (c *Controller) loop() {
	defer c.wg.Done()

	c.gen++
	c.beginProbing()

	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev event) {
	if ev.gen != c.gen || c.ctx.Err() != nil {
		if ev.kind == evStreamOpened {
			_ = ev.stream.Close()
		}
		return
	}

	switch ev.kind {
	case evStreamOpened:
		c.streamOpened(ev.stream)
	case evStreamFailed:
		c.logger.Info("Log stream connect failed", "error", ev.err)
		c.endEpisode()
	case evLine:
		c.handleLine(ev.line)
	case evStreamClosed:
		c.logger.Info("Log stream closed", "error", ev.err,
			"duration", time.Since(c.streamSince).Round(time.Millisecond))
		if c.metrics != nil {
			c.metrics.RecordStreamClosed(c.ctx, time.Since(c.streamSince).Seconds())
		}
		c.stream = nil
		c.endEpisode()
	case evReconnect:
		c.beginProbing()
	}
}

// beginProbing starts the probe-then-dial worker for the current episode.
func (c *Controller) beginProbing() {
	c.setConnection(Probing)

	ctx, cancel := context.WithCancel(c.ctx)
	c.episodeCancel = cancel

	gen := c.gen
	c.wg.Add(1)
	go c.connect(ctx, gen)
}

// connect probes until the backend is ready, then dials the log stream.
// Probes run one at a time on this goroutine.
func (c *Controller) connect(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.probePolicy.Delay(attempt)):
			}
		}

		ready := c.prober.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if c.metrics != nil {
			c.metrics.RecordProbe(ctx, ready)
		}
		if !ready {
			continue
		}

		stream, err := c.dialer.Dial(ctx)
		if err != nil {
			c.post(event{kind: evStreamFailed, gen: gen, err: err})
			return
		}
		if !c.post(event{kind: evStreamOpened, gen: gen, stream: stream}) {
			_ = stream.Close()
		}
		return
	}
}

func (c *Controller) streamOpened(stream logstream.Stream) {
	c.stream = stream
	c.streamSince = time.Now()
	c.failures = 0
	c.setConnection(Streaming)
	c.logger.Info("Log stream connected")
	if c.metrics != nil {
		c.metrics.RecordStreamOpened(c.ctx)
	}

	gen := c.gen
	stream.Listen(
		func(line string) {
			c.post(event{kind: evLine, gen: gen, line: line})
		},
		func(err error) {
			c.post(event{kind: evStreamClosed, gen: gen, err: err})
		},
	)
}

// endEpisode retires the current generation and schedules the next probe.
func (c *Controller) endEpisode() {
	if c.episodeCancel != nil {
		c.episodeCancel()
	}
	c.gen++
	c.failures++
	c.setConnection(Disconnected)

	ctx, cancel := context.WithCancel(c.ctx)
	c.episodeCancel = cancel

	gen := c.gen
	delay := c.reconnectPolicy.Delay(c.failures)
	c.logger.Debug("Reconnect scheduled", "delay", delay)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		c.post(event{kind: evReconnect, gen: gen})
	}()
}

// post hands ev to the loop. It returns false once the controller is shut down.
func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Controller) teardown() {
	if c.episodeCancel != nil {
		c.episodeCancel()
	}
	if c.stream != nil {
		_ = c.stream.Close()
		select {
		case <-c.stream.Done():
		case <-time.After(streamDrainTimeout):
			c.logger.Warn("Log stream did not stop in time")
		}
		c.stream = nil
	}
	c.setConnection(Disconnected)
	c.logger.Info("Session stopped")
}

func (c *Controller) setConnection(state ConnectionState) {
	c.mu.Lock()
	from := c.conn
	if from == state {
		c.mu.Unlock()
		return
	}
	c.conn = state
	if c.phase.Active() {
		c.phase = phaseFor(state)
	}
	c.changedLocked()
	c.mu.Unlock()

	if c.listener != nil {
		c.listener.ConnectionChanged(from, state)
	}
	if c.metrics != nil {
		c.metrics.RecordConnectionState(context.Background(), state.String())
	}
}

// handleLine records a line and applies its hint to an unresolved job.
// Stage only moves forward; a terminal hint ends the job but leaves the
// stream open.
func (c *Controller) handleLine(text string) {
	hint := c.classifier.Classify(text)
	if c.metrics != nil {
		c.metrics.RecordLine(c.ctx, hint.Kind.String())
	}

	c.mu.Lock()
	c.logs.Append(text)
	if !c.phase.Active() {
		c.changedLocked()
		c.mu.Unlock()
		return
	}

	jobID := c.jobID
	fromStage := c.stage
	var elapsed time.Duration

	switch hint.Kind {
	case progress.KindStage:
		c.stage = max(c.stage, hint.Stage)
	case progress.KindSuccess:
		c.stage = progress.StageComplete
		c.outcome = OutcomeSuccess
		c.phase = PhaseCompleted
	case progress.KindFailure:
		c.outcome = OutcomeFailure
		c.phase = PhaseFailed
		c.errMsg = text
	}
	if hint.IsTerminal() {
		c.finishedAt = time.Now().UTC()
		elapsed = c.finishedAt.Sub(c.startedAt)
	}
	toStage, outcome := c.stage, c.outcome
	c.changedLocked()
	c.mu.Unlock()

	if toStage != fromStage {
		c.logger.Info("Stage advanced", "jobId", jobID,
			"stage", toStage, "name", progress.StageName(toStage))
		if c.metrics != nil {
			c.metrics.RecordStage(c.ctx, toStage)
		}
		if c.listener != nil {
			c.listener.StageChanged(jobID, fromStage, toStage)
		}
	}
	if hint.IsTerminal() {
		message := ""
		if outcome == OutcomeFailure {
			message = text
		}
		c.finished(jobID, outcome, message, elapsed)
	}
}

func (c *Controller) finished(jobID string, outcome Outcome, message string, elapsed time.Duration) {
	logger := c.logger.With("jobId", jobID, "outcome", outcome.String(), "elapsed", elapsed.Round(time.Millisecond))
	if outcome == OutcomeFailure {
		logger.Warn("Job failed", "error", message)
	} else {
		logger.Info("Job completed")
	}
	if c.metrics != nil {
		c.metrics.RecordJobFinished(context.Background(), outcome.String(), elapsed.Seconds())
	}
	if c.listener != nil {
		c.listener.OutcomeSet(jobID, outcome, message, elapsed)
	}
}

func (c *Controller) recordSubmission(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordSubmission(context.WithoutCancel(ctx), result)
	}
}
