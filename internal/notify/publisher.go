package notify

import (
	"errors"
	"jobmonitor/internal/job"
	"jobmonitor/internal/progress"
	"jobmonitor/internal/session"
	"jobmonitor/pkg/cloudevent"
	"log/slog"
	"slices"
	"time"
)

// Event types emitted by Publisher.
const (
	TypeJobStarted = "jobmon.job.start"
	TypeJobStage   = "jobmon.job.stage"
	TypeJobOutcome = "jobmon.job.outcome"
	TypeConnection = "jobmon.connection"
)

// Publisher turns session transitions into CloudEvents and hands them to a
// Notifier. It implements session.Listener.
type Publisher struct {
	notifier   Notifier
	url        string
	signingKey string
	source     string
	events     []string
	logger     *slog.Logger
}

// NewPublisher creates a publisher that delivers to cfg.URL.
func NewPublisher(n Notifier, cfg Config) *Publisher {
	cfg = cfg.withDefaults()
	return &Publisher{
		notifier:   n,
		url:        cfg.URL,
		signingKey: cfg.SigningKey,
		source:     cfg.Source,
		events:     cfg.Events,
		logger:     slog.With("component", "publisher"),
	}
}

func (p *Publisher) JobStarted(jobID string, cfg job.Config) {
	p.publish(TypeJobStarted, jobID, map[string]any{
		"mode":     cfg.Mode,
		"platform": cfg.Platform,
		"provider": cfg.LLMProvider,
	})
}

func (p *Publisher) ConnectionChanged(from, to session.ConnectionState) {
	p.publish(TypeConnection, "", map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}

func (p *Publisher) StageChanged(jobID string, from, to int) {
	p.publish(TypeJobStage, jobID, map[string]any{
		"from":  from,
		"stage": to,
		"name":  progress.StageName(to),
	})
}

func (p *Publisher) OutcomeSet(jobID string, outcome session.Outcome, message string, elapsed time.Duration) {
	data := map[string]any{
		"outcome":         outcome.String(),
		"durationSeconds": elapsed.Seconds(),
	}
	if message != "" {
		data["message"] = message
	}
	p.publish(TypeJobOutcome, jobID, data)
}

func (p *Publisher) publish(eventType, subject string, data map[string]any) {
	if len(p.events) > 0 && !slices.Contains(p.events, eventType) {
		return
	}

	err := p.notifier.Notify(&Event{
		Payload:     cloudevent.New(eventType, p.source, subject, data),
		Destination: p.url,
		SigningKey:  p.signingKey,
	})
	if err != nil && !errors.Is(err, ErrBufferFull) {
		p.logger.Debug("Event not queued", "type", eventType, "error", err)
	}
}

var _ session.Listener = (*Publisher)(nil)
