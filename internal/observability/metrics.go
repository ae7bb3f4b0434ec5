package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// connectionStates are reported as a one-hot gauge.
var connectionStates = []string{"disconnected", "probing", "streaming"}

// Metrics holds all monitor metrics:
// - Connection: probe attempts, stream episodes and the current link state
// - Progress: lines received by hint, the current stage, job outcomes
// - Submissions: accepted and rejected job starts
// - Local API and notifier delivery
type Metrics struct {
	meter metric.Meter

	// Local API metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Connection metrics
	ProbesTotal           metric.Int64Counter
	StreamEpisodesTotal   metric.Int64Counter
	StreamEpisodeDuration metric.Float64Histogram
	ConnectionState       metric.Int64Gauge

	// Progress metrics
	LinesTotal       metric.Int64Counter
	JobStage         metric.Int64Gauge
	SubmissionsTotal metric.Int64Counter
	JobDuration      metric.Float64Histogram
	JobsTotal        metric.Int64Counter
	JobErrorsTotal   metric.Int64Counter

	// Notifier metrics
	NotifierDuration  metric.Float64Histogram
	NotifierDelivered metric.Int64Counter
	NotifierFailed    metric.Int64Counter
	NotifierDropped   metric.Int64Counter
	NotifierRequeued  metric.Int64Counter
	NotifierQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobmonitor")
	m := &Metrics{meter: meter}

	// Local API metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Local API request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of local API requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of local API errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Connection metrics
	m.ProbesTotal, err = meter.Int64Counter(
		"backend_probes_total",
		metric.WithDescription("Total health probes sent to the backend"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamEpisodesTotal, err = meter.Int64Counter(
		"log_stream_episodes_total",
		metric.WithDescription("Total log stream connections opened"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamEpisodeDuration, err = meter.Float64Histogram(
		"log_stream_episode_duration_seconds",
		metric.WithDescription("How long each log stream connection lasted"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 1800, 3600, 7200, 21600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ConnectionState, err = meter.Int64Gauge(
		"backend_connection_state",
		metric.WithDescription("1 for the current connection state, 0 otherwise"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Progress metrics
	m.LinesTotal, err = meter.Int64Counter(
		"log_lines_total",
		metric.WithDescription("Total log lines received, by classifier hint"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobStage, err = meter.Int64Gauge(
		"job_stage",
		metric.WithDescription("Pipeline stage of the current job"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionsTotal, err = meter.Int64Counter(
		"job_submissions_total",
		metric.WithDescription("Total job submissions, by result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from submission to outcome in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs that reached an outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifierDuration, err = meter.Float64Histogram(
		"notifier_duration_seconds",
		metric.WithDescription("Progress callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDelivered, err = meter.Int64Counter(
		"notifier_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierFailed, err = meter.Int64Counter(
		"notifier_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDropped, err = meter.Int64Counter(
		"notifier_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierRequeued, err = meter.Int64Counter(
		"notifier_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierQueueSize, err = meter.Int64Gauge(
		"notifier_queue_size",
		metric.WithDescription("Current number of events in notifier queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records local API request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordProbe records one health probe.
func (m *Metrics) RecordProbe(ctx context.Context, ready bool) {
	m.ProbesTotal.Add(ctx, 1, metric.WithAttributes(readyAttr(ready)))
}

// RecordStreamOpened records a new log stream connection.
func (m *Metrics) RecordStreamOpened(ctx context.Context) {
	m.StreamEpisodesTotal.Add(ctx, 1)
}

// RecordStreamClosed records how long a log stream connection lasted.
func (m *Metrics) RecordStreamClosed(ctx context.Context, durationSeconds float64) {
	m.StreamEpisodeDuration.Record(ctx, durationSeconds)
}

// RecordConnectionState marks state as the current connection state.
func (m *Metrics) RecordConnectionState(ctx context.Context, state string) {
	for _, s := range connectionStates {
		var v int64
		if s == state {
			v = 1
		}
		m.ConnectionState.Record(ctx, v, metric.WithAttributes(stateAttr(s)))
	}
}

// RecordLine records a received log line and its classification.
func (m *Metrics) RecordLine(ctx context.Context, hint string) {
	m.LinesTotal.Add(ctx, 1, metric.WithAttributes(hintAttr(hint)))
}

// RecordStage records the current job's stage.
func (m *Metrics) RecordStage(ctx context.Context, stage int) {
	m.JobStage.Record(ctx, int64(stage))
}

// RecordSubmission records a job submission result.
func (m *Metrics) RecordSubmission(ctx context.Context, result string) {
	m.SubmissionsTotal.Add(ctx, 1, metric.WithAttributes(resultAttr(result)))
	if result == "accepted" {
		m.JobStage.Record(ctx, 0)
	}
}

// RecordJobFinished records a job reaching its outcome.
func (m *Metrics) RecordJobFinished(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsTotal.Add(ctx, 1, attrs)

	if outcome == "failure" {
		m.JobErrorsTotal.Add(ctx, 1)
	}
}

// RecordNotifierDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifierDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifierDelivered.Add(ctx, 1)
	m.NotifierDuration.Record(ctx, durationSeconds)
}

// RecordNotifierFailed records a failed event delivery.
func (m *Metrics) RecordNotifierFailed(ctx context.Context) {
	m.NotifierFailed.Add(ctx, 1)
}

// RecordNotifierDropped records a dropped event.
func (m *Metrics) RecordNotifierDropped(ctx context.Context) {
	m.NotifierDropped.Add(ctx, 1)
}

// RecordNotifierRequeued records a requeued event.
func (m *Metrics) RecordNotifierRequeued(ctx context.Context) {
	m.NotifierRequeued.Add(ctx, 1)
}

// RecordNotifierQueueSize records the current queue size.
func (m *Metrics) RecordNotifierQueueSize(ctx context.Context, size int64) {
	m.NotifierQueueSize.Record(ctx, size)
}
