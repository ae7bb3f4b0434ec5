package session

import (
	"context"
	"errors"
	"jobmonitor/internal/apperrors"
	"jobmonitor/internal/health"
	"jobmonitor/internal/job"
	"jobmonitor/internal/logstream"
	"jobmonitor/internal/progress"
	"jobmonitor/internal/testutil"
	"jobmonitor/pkg/backoff"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"
)

const (
	lineDownload   = "Initiating download for https://example.com/watch?v=1"
	lineTranscribe = "Transcription started (model=base)"
	lineCuration   = "Transcript length: 5321 words"
	lineIndexing   = "Indexing b-roll library"
	lineSuccess    = "Successfully processed 3 clips"
	lineFailure    = "PIPELINE ERROR: no usable segments found"
)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		prober:    &scriptedProber{},
		dialer:    &fakeDialer{},
		submitter: &fakeSubmitter{},
		listener:  &recordingListener{},
	}
	o := Options{
		Prober:          h.prober,
		Dialer:          h.dialer,
		Submitter:       h.submitter,
		ProbePolicy:     backoff.Constant(5 * time.Millisecond),
		ReconnectPolicy: backoff.Constant(10 * time.Millisecond),
		Listener:        h.listener,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctrl, err := New(o)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctrl.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return h
}

// streaming runs the controller and waits for the first stream.
func (h *harness) streaming(t *testing.T) *fakeStream {
	t.Helper()
	if err := h.ctrl.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	waitConnection(t, h.ctrl, Streaming)
	s := h.dialer.latest()
	testutil.MustWaitFor(t, s.isListening)
	return s
}

func waitConnection(t *testing.T, c *Controller, want ConnectionState) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool { return c.Connection() == want },
		testutil.WithTimeout(3*time.Second))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	full := Options{Prober: &scriptedProber{}, Dialer: &fakeDialer{}, Submitter: &fakeSubmitter{}}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no prober", func(o *Options) { o.Prober = nil }},
		{"no dialer", func(o *Options) { o.Dialer = nil }},
		{"no submitter", func(o *Options) { o.Submitter = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := full
			tt.mutate(&o)
			if _, err := New(o); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestController_InitialState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	snap := h.ctrl.Snapshot()
	if snap.Connection != Disconnected || snap.Phase != PhaseIdle || snap.Outcome != OutcomeNone {
		t.Errorf("unexpected initial snapshot: %+v", snap)
	}
	if err := h.ctrl.Ready(context.Background()); err == nil {
		t.Error("expected not ready before Run")
	}
}

func TestController_ConnectsAfterProbeSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.streaming(t)

	if err := h.ctrl.Ready(context.Background()); err != nil {
		t.Errorf("expected ready while streaming: %v", err)
	}
	if n := h.dialer.opens.Load(); n != 1 {
		t.Errorf("expected one stream, got %d", n)
	}
	got := h.listener.connectionList()
	want := []ConnectionState{Probing, Streaming}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("connection changes = %v, want %v", got, want)
	}
}

func TestController_ReconnectAfterFailedProbes(t *testing.T) {
	t.Parallel()
	const k = 3
	h := newHarness(t, withProbeFailures(k))

	first := h.streaming(t)

	if calls := h.prober.calls.Load(); calls != k+1 {
		t.Errorf("expected %d probes before connecting, got %d", k+1, calls)
	}
	if n := h.dialer.opens.Load(); n != 1 {
		t.Fatalf("expected exactly one dial, got %d", n)
	}

	first.Drop()
	testutil.MustWaitFor(t, func() bool { return h.dialer.opens.Load() == 2 }, testutil.WithTimeout(3*time.Second))
	waitConnection(t, h.ctrl, Streaming)

	if peak := h.dialer.maxActive.Load(); peak != 1 {
		t.Errorf("expected at most one open stream at a time, saw %d", peak)
	}
	if h.dialer.latest() == first {
		t.Error("expected a fresh stream after reconnect")
	}
}

func TestController_DialFailureRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.fail.Store(2)

	h.streaming(t)

	if n := h.dialer.opens.Load(); n != 1 {
		t.Errorf("expected one successful dial, got %d", n)
	}
	if calls := h.prober.calls.Load(); calls < 3 {
		t.Errorf("expected a probe before every dial, got %d probes", calls)
	}
}

func TestController_ExampleSequence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)

	jobID, err := h.ctrl.Start(context.Background(), viralConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a job ID")
	}

	// The cache-hit line arrives after transcription and must not pull
	// the stage back to ingestion.
	var stages []int
	for _, line := range []string{"Initiating download", "Transcription started", "found in history", "Successfully processed"} {
		s.Emit(line)
		testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == len(stages)+1 })
		stages = append(stages, h.ctrl.Snapshot().Stage)
	}

	want := []int{0, 1, 1, progress.StageComplete}
	if !reflect.DeepEqual(stages, want) {
		t.Errorf("stage sequence = %v, want %v", stages, want)
	}

	snap := h.ctrl.Snapshot()
	if snap.Outcome != OutcomeSuccess || snap.Phase != PhaseCompleted {
		t.Errorf("expected completed success, got %+v", snap)
	}
	if snap.StageName != "complete" {
		t.Errorf("StageName = %q, want complete", snap.StageName)
	}
	if snap.JobID != jobID || snap.FinishedAt == nil {
		t.Errorf("unexpected job bookkeeping: %+v", snap)
	}

	wantChanges := []stageChange{{0, 1}, {1, progress.StageComplete}}
	testutil.MustWaitFor(t, func() bool { return len(h.listener.outcomeList()) == 1 })
	if got := h.listener.stageChanges(); !reflect.DeepEqual(got, wantChanges) {
		t.Errorf("stage changes = %v, want %v", got, wantChanges)
	}
	if got := h.listener.outcomeList(); got[0] != OutcomeSuccess {
		t.Errorf("outcome = %v, want success", got[0])
	}
}

func TestController_JobStartedPrecedesProgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)

	// Lines race the start callback; their stage and outcome callbacks
	// must still be reported after it.
	h.listener.onStart = func() {
		go s.Emit(lineDownload, lineTranscribe, lineSuccess)
		time.Sleep(50 * time.Millisecond)
	}

	if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, func() bool { return len(h.listener.outcomeList()) == 1 })

	want := []string{"start", "stage", "stage", "outcome"}
	if got := h.listener.callbackOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("callback order = %v, want %v", got, want)
	}
}

func TestController_StageNeverRegresses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withReconnectDelay(500*time.Millisecond))
	s := h.streaming(t)

	if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
		t.Fatal(err)
	}

	s.Emit(lineIndexing, lineTranscribe, lineDownload)
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == 3 })
	if stage := h.ctrl.Snapshot().Stage; stage != progress.StageRetrieval {
		t.Fatalf("stage = %d, want %d", stage, progress.StageRetrieval)
	}

	// Across a reconnect the job keeps its stage.
	s.Drop()
	waitConnection(t, h.ctrl, Disconnected)
	if phase := h.ctrl.Snapshot().Phase; phase != PhaseConnecting {
		t.Errorf("phase while disconnected = %v, want connecting", phase)
	}
	waitConnection(t, h.ctrl, Streaming)
	if phase := h.ctrl.Snapshot().Phase; phase != PhaseStreaming {
		t.Errorf("phase after reconnect = %v, want streaming", phase)
	}

	next := h.dialer.latest()
	testutil.MustWaitFor(t, next.isListening)
	next.Emit(lineCuration)
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == 4 })
	if stage := h.ctrl.Snapshot().Stage; stage != progress.StageRetrieval {
		t.Errorf("stage regressed to %d after reconnect", stage)
	}
}

func TestController_TerminalIsSticky(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		lines   []string
		outcome Outcome
		phase   Phase
	}{
		{"success then failure", []string{lineSuccess, lineFailure, lineIndexing}, OutcomeSuccess, PhaseCompleted},
		{"failure then success", []string{lineFailure, lineSuccess, lineIndexing}, OutcomeFailure, PhaseFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			s := h.streaming(t)
			if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
				t.Fatal(err)
			}

			s.Emit(tt.lines...)
			testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == len(tt.lines) })

			snap := h.ctrl.Snapshot()
			if snap.Outcome != tt.outcome || snap.Phase != tt.phase {
				t.Errorf("got outcome %v phase %v, want %v %v", snap.Outcome, snap.Phase, tt.outcome, tt.phase)
			}
			if n := len(h.listener.outcomeList()); n != 1 {
				t.Errorf("expected exactly one outcome callback, got %d", n)
			}
		})
	}
}

func TestController_FailureKeepsStreamOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)
	if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
		t.Fatal(err)
	}

	s.Emit(lineDownload, lineFailure)
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().Phase == PhaseFailed })

	snap := h.ctrl.Snapshot()
	if snap.Error != lineFailure {
		t.Errorf("Error = %q, want the failure line", snap.Error)
	}
	if s.isClosed() {
		t.Error("a pipeline failure must not close the stream")
	}
	if h.ctrl.Connection() != Streaming {
		t.Errorf("connection = %v, want streaming", h.ctrl.Connection())
	}

	// Lines keep flowing after the job ended.
	s.Emit("Cleaning up temp files")
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == 3 })
}

func TestController_BackendFailureLinesReleaseJob(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
	}{
		{"download", "12:00:01 | ERROR    | Download failed."},
		{"download with cause", "12:00:01 | ERROR    | Download failed for https://example.com/watch?v=1: HTTP Error 403"},
		{"transcription", "12:00:09 | ERROR    | Transcription failed."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			s := h.streaming(t)
			if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
				t.Fatal(err)
			}

			s.Emit(lineDownload, tt.line)
			testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == 2 })

			snap := h.ctrl.Snapshot()
			if snap.Phase != PhaseFailed || snap.Outcome != OutcomeFailure {
				t.Fatalf("got phase %v outcome %v, want failed failure", snap.Phase, snap.Outcome)
			}
			if snap.Error != tt.line {
				t.Errorf("Error = %q, want %q", snap.Error, tt.line)
			}

			if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
				t.Errorf("second Start after a failed job: %v", err)
			}
			if n := h.submitter.calls(); n != 2 {
				t.Errorf("expected 2 submissions, got %d", n)
			}
		})
	}
}

func TestController_CleanReset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)

	first, err := h.ctrl.Start(context.Background(), viralConfig())
	if err != nil {
		t.Fatal(err)
	}
	s.Emit(lineDownload, lineIndexing, lineFailure)
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().Phase == PhaseFailed })
	seqBefore := h.ctrl.Snapshot().LastSeq

	second, err := h.ctrl.Start(context.Background(), viralConfig())
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if second == first {
		t.Error("expected a new job ID")
	}

	snap := h.ctrl.Snapshot()
	if snap.LineCount != 0 || len(h.ctrl.Lines()) != 0 {
		t.Errorf("expected empty log after reset, got %d lines", snap.LineCount)
	}
	if snap.Stage != 0 || snap.Outcome != OutcomeNone || snap.Error != "" || snap.FinishedAt != nil {
		t.Errorf("state not reset: %+v", snap)
	}
	if snap.Phase != PhaseStreaming {
		t.Errorf("phase = %v, want streaming", snap.Phase)
	}

	s.Emit(lineTranscribe)
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == 1 })
	lines := h.ctrl.LogsSince(seqBefore)
	if len(lines) != 1 || lines[0].Text != lineTranscribe {
		t.Errorf("LogsSince = %+v", lines)
	}
}

func TestController_ConcurrentStartSubmitsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.submitter.release = make(chan struct{})
	h.streaming(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.Start(context.Background(), viralConfig())
			errs <- err
		}()
	}

	testutil.MustWaitFor(t, func() bool { return h.submitter.calls() == 1 })
	close(h.submitter.release)
	wg.Wait()
	close(errs)

	var accepted, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, apperrors.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || conflicts != callers-1 {
		t.Errorf("accepted=%d conflicts=%d", accepted, conflicts)
	}
	if n := h.submitter.calls(); n != 1 {
		t.Errorf("expected one submission, got %d", n)
	}
}

func TestController_StartWhileDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withProbeFailures(1<<30))
	if err := h.ctrl.Run(); err != nil {
		t.Fatal(err)
	}
	waitConnection(t, h.ctrl, Probing)

	if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if phase := h.ctrl.Snapshot().Phase; phase != PhaseConnecting {
		t.Errorf("phase = %v, want connecting", phase)
	}
}

func TestController_ValidationLeavesStateAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)
	s.Emit("backend warming up")
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == 1 })

	cfg := viralConfig()
	cfg.URL = ""
	_, err := h.ctrl.Start(context.Background(), cfg)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	snap := h.ctrl.Snapshot()
	if snap.Phase != PhaseIdle || snap.LineCount != 1 || snap.JobID != "" {
		t.Errorf("state changed on invalid config: %+v", snap)
	}
	if h.submitter.calls() != 0 {
		t.Error("invalid config must not be submitted")
	}
}

func TestController_LinesWithoutJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)

	s.Emit(lineIndexing, lineSuccess)
	testutil.MustWaitFor(t, func() bool { return h.ctrl.Snapshot().LineCount == 2 })

	snap := h.ctrl.Snapshot()
	if snap.Phase != PhaseIdle || snap.Stage != 0 || snap.Outcome != OutcomeNone {
		t.Errorf("lines without a job changed state: %+v", snap)
	}
	if len(h.listener.stageChanges()) != 0 {
		t.Error("unexpected stage callback")
	}
}

func TestController_UpdatedFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)

	updated := h.ctrl.Updated()
	s.Emit(lineDownload)

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("Updated channel not closed after a line")
	}
}

func TestController_SubmissionRejectedByBackend(t *testing.T) {
	t.Parallel()
	backend := testutil.NewBackend(t)
	backend.SetSubmitResponse(http.StatusBadRequest, `{"detail": "missing url"}`)

	h := newHarness(t, func(o *Options) {
		o.Submitter = job.NewHTTPSubmitter(backend.URL(), time.Second)
	})
	h.streaming(t)

	_, err := h.ctrl.Start(context.Background(), viralConfig())
	if err == nil {
		t.Fatal("expected submission error")
	}
	if err.Error() != "missing url" {
		t.Errorf("message = %q, want %q", err.Error(), "missing url")
	}
	if !errors.Is(err, apperrors.ErrSubmission) {
		t.Errorf("expected ErrSubmission, got %v", err)
	}

	snap := h.ctrl.Snapshot()
	if snap.Connection != Streaming {
		t.Errorf("connection = %v, want streaming", snap.Connection)
	}
	if snap.Phase != PhaseFailed || snap.Outcome != OutcomeFailure || snap.Error != "missing url" {
		t.Errorf("unexpected state after rejection: %+v", snap)
	}
	if n := h.dialer.opens.Load(); n != 1 {
		t.Errorf("submission failure forced a reconnect (%d dials)", n)
	}

	// A new job may be started after the rejection.
	backend.SetSubmitResponse(http.StatusOK, `{"status":"started"}`)
	if _, err := h.ctrl.Start(context.Background(), viralConfig()); err != nil {
		t.Errorf("Start after rejection failed: %v", err)
	}
}

func TestController_Shutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withReconnectDelay(time.Hour))
	s := h.streaming(t)

	s.Drop()
	waitConnection(t, h.ctrl, Disconnected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.ctrl.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}

	if n := h.dialer.opens.Load(); n != 1 {
		t.Errorf("reconnect ran after shutdown (%d dials)", n)
	}
	if _, err := h.ctrl.Start(context.Background(), viralConfig()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrClosed", err)
	}
	if err := h.ctrl.Run(); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after Shutdown = %v, want ErrClosed", err)
	}
}

func TestController_ShutdownClosesStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.streaming(t)

	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.isClosed() {
		t.Error("expected stream to be closed")
	}
	if h.ctrl.Connection() != Disconnected {
		t.Errorf("connection = %v, want disconnected", h.ctrl.Connection())
	}
	if n := h.dialer.active.Load(); n != 0 {
		t.Errorf("%d streams still open", n)
	}
}

func TestController_ShutdownBeforeRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.ctrl.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown before Run failed: %v", err)
	}
}

func TestController_AgainstBackend(t *testing.T) {
	t.Parallel()
	backend := testutil.NewBackend(t)

	dialer, err := logstream.NewDialer(backend.URL(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	listener := &recordingListener{}
	ctrl, err := New(Options{
		Prober:          health.NewHTTPProber(backend.URL(), time.Second),
		Dialer:          dialer,
		Submitter:       job.NewHTTPSubmitter(backend.URL(), time.Second),
		ProbePolicy:     backoff.Constant(10 * time.Millisecond),
		ReconnectPolicy: backoff.Constant(20 * time.Millisecond),
		Listener:        listener,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctrl.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		testutil.MustWaitFor(t, func() bool { return backend.Streams() == 0 })
	}()

	if err := ctrl.Run(); err != nil {
		t.Fatal(err)
	}
	waitConnection(t, ctrl, Streaming)
	testutil.MustWaitFor(t, func() bool { return backend.Streams() == 1 })

	if _, err := ctrl.Start(context.Background(), viralConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if n := len(backend.Submissions()); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}

	backend.Send(lineDownload, lineTranscribe)
	testutil.MustWaitFor(t, func() bool { return ctrl.Snapshot().Stage == progress.StageTranscription },
		testutil.WithTimeout(3*time.Second))

	// The backend restarts: the monitor reconnects and the job keeps its stage.
	backend.DropStreams()
	testutil.MustWaitFor(t, func() bool { return backend.Connects() == 2 }, testutil.WithTimeout(3*time.Second))
	waitConnection(t, ctrl, Streaming)

	backend.Send(lineIndexing, lineSuccess)
	testutil.MustWaitFor(t, func() bool { return ctrl.Snapshot().Outcome == OutcomeSuccess },
		testutil.WithTimeout(3*time.Second))

	snap := ctrl.Snapshot()
	if snap.Stage != progress.StageComplete || snap.Phase != PhaseCompleted {
		t.Errorf("unexpected final state: %+v", snap)
	}
	want := []string{lineDownload, lineTranscribe, lineIndexing, lineSuccess}
	if got := ctrl.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}
