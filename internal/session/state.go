// Package session owns the monitor's view of the backend: the connection
// state, the log lines of the current job, its stage and its outcome.
package session

import (
	"fmt"
	"time"
)

// ConnectionState describes the link to the backend.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Probing
	Streaming
)

var connectionNames = [...]string{"disconnected", "probing", "streaming"}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionNames) {
		return fmt.Sprintf("connection(%d)", int(s))
	}
	return connectionNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Phase is the lifecycle of the current job.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseStreaming
	PhaseCompleted
	PhaseFailed
)

var phaseNames = [...]string{"idle", "connecting", "streaming", "completed", "failed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Active reports whether a job is submitted and unresolved.
func (p Phase) Active() bool {
	return p == PhaseConnecting || p == PhaseStreaming
}

// Outcome is the result of a job. It is set at most once.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

var outcomeNames = [...]string{"none", "success", "failure"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// phaseFor maps the connection onto the phase of an unresolved job.
func phaseFor(conn ConnectionState) Phase {
	if conn == Streaming {
		return PhaseStreaming
	}
	return PhaseConnecting
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	JobID      string          `json:"jobId,omitempty"`
	Connection ConnectionState `json:"connection"`
	Phase      Phase           `json:"phase"`
	Stage      int             `json:"stage"`
	StageName  string          `json:"stageName"`
	Outcome    Outcome         `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	LastSeq    int64           `json:"lastSeq"`
	LineCount  int             `json:"lineCount"`
	Dropped    int64           `json:"droppedLines,omitempty"`
}

