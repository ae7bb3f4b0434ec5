package session

import (
	"context"
	"jobmonitor/internal/job"
	"time"
)

// Listener observes session transitions. Callbacks run on the goroutine that
// caused the transition, after the state is published, and must not block.
// JobStarted runs with the session lock held and comes before any other
// callback for that job; it must not call back into the Controller.
type Listener interface {
	JobStarted(jobID string, cfg job.Config)
	ConnectionChanged(from, to ConnectionState)
	StageChanged(jobID string, from, to int)
	OutcomeSet(jobID string, outcome Outcome, message string, elapsed time.Duration)
}

// Listeners fans callbacks out to every member in order.
type Listeners []Listener

func (ls Listeners) JobStarted(jobID string, cfg job.Config) {
	for _, l := range ls {
		l.JobStarted(jobID, cfg)
	}
}

func (ls Listeners) ConnectionChanged(from, to ConnectionState) {
	for _, l := range ls {
		l.ConnectionChanged(from, to)
	}
}

func (ls Listeners) StageChanged(jobID string, from, to int) {
	for _, l := range ls {
		l.StageChanged(jobID, from, to)
	}
}

func (ls Listeners) OutcomeSet(jobID string, outcome Outcome, message string, elapsed time.Duration) {
	for _, l := range ls {
		l.OutcomeSet(jobID, outcome, message, elapsed)
	}
}

// MetricsRecorder is an optional interface for recording session metrics.
type MetricsRecorder interface {
	RecordProbe(ctx context.Context, ready bool)
	RecordStreamOpened(ctx context.Context)
	RecordStreamClosed(ctx context.Context, durationSeconds float64)
	RecordLine(ctx context.Context, hint string)
	RecordSubmission(ctx context.Context, result string)
	RecordConnectionState(ctx context.Context, state string)
	RecordStage(ctx context.Context, stage int)
	RecordJobFinished(ctx context.Context, outcome string, durationSeconds float64)
}
