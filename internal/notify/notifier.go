// Package notify delivers session progress to an external callback URL as
// CloudEvents, asynchronously and best-effort.
package notify

import (
	"context"
	"errors"
	"jobmonitor/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("notifier buffer full, event dropped")
	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("notifier is closed")
)

// Notifier handles async delivery of events.
type Notifier interface {
	// Notify queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Notify(event *Event) error

	// Stats returns current notifier statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // times requeued due to an open circuit
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
