package notify

import (
	"context"
	"jobmonitor/pkg/backoff"
	"jobmonitor/pkg/circuitbreaker"
	"jobmonitor/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

const userAgent = "jobmon-notifier/1"

// MemoryNotifier is an in-memory async notifier.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type MemoryNotifier struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	retry    backoff.Policy
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifierDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifierFailed(ctx context.Context)
	RecordNotifierDropped(ctx context.Context)
	RecordNotifierRequeued(ctx context.Context)
	RecordNotifierQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory notifier and starts its workers.
func NewMemory(cfg Config, metrics MetricsRecorder) *MemoryNotifier {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "notifier")

	n := &MemoryNotifier{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout, userAgent),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Info("Circuit state changed", "destination", name, "from", from.String(), "to", to.String())
			},
		}),
		retry:    &backoff.Config{},
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}

	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// reportQueueSize periodically reports the queue size metric.
func (n *MemoryNotifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifierQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// Notify queues an event for async delivery.
func (n *MemoryNotifier) Notify(event *Event) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.queue <- event:
		n.queued.Add(1)
		return nil
	default:
		n.drop(event, "Event dropped, buffer full")
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *MemoryNotifier) Stats() Stats {
	breakerStats := n.breakers.Stats()
	return Stats{
		QueueDepth:    len(n.queue),
		Queued:        n.queued.Load(),
		Delivered:     n.delivered.Load(),
		Failed:        n.failed.Load(),
		Dropped:       n.dropped.Load(),
		Requeued:      n.requeued.Load(),
		RetriesTotal:  n.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the notifier.
func (n *MemoryNotifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *MemoryNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

// drainQueue delivers remaining events after shutdown signal.
func (n *MemoryNotifier) drainQueue() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (n *MemoryNotifier) deliver(event *Event) {
	breaker := n.breakers.Get(extractHost(event.Destination))

	if !breaker.Allow() {
		n.requeue(event, breaker.Name())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifierFailed(ctx)
		}
		n.logger.Warn("Delivery failed",
			"destination", breaker.Name(),
			"type", event.Payload.Type,
			"consecutiveFailures", breaker.Failures(),
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back in the queue after the breaker cooldown.
func (n *MemoryNotifier) requeue(event *Event, host string) {
	if event.Requeues >= n.config.MaxRequeues {
		n.drop(event, "Event dropped, max requeues reached")
		return
	}

	event.Requeues++
	requeues := event.Requeues
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierRequeued(context.Background())
	}

	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(n.config.BreakerCooldown):
		}

		select {
		case n.queue <- event:
			n.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", requeues)
		case <-n.shutdown:
		default:
			n.drop(event, "Event dropped on requeue, buffer full")
		}
	}()
}

func (n *MemoryNotifier) drop(event *Event, msg string) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierDropped(context.Background())
	}
	n.logger.Warn(msg,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"requeues", event.Requeues,
	)
}

func (n *MemoryNotifier) sendWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range n.config.MaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retry.Delay(attempt)):
			}
		}

		lastErr = n.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if lastErr == nil || !cloudevent.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*MemoryNotifier)(nil)
