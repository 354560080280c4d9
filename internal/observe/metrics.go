// Package observe provides application-wide observability primitives for
// voicenexus: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicenexus metrics.
const meterName = "github.com/MrWong99/voicenexus"

// Session start outcomes used with [Metrics.RecordSessionStart].
const (
	OutcomeOK               = "ok"
	OutcomePermissionDenied = "permission_denied"
	OutcomeConnectionError  = "connection_error"
	OutcomeAborted          = "aborted"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// FramesCaptured counts microphone frames read by the capture pipeline.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames delivered to the transport.
	FramesSent metric.Int64Counter

	// SendErrors counts frames dropped because the transport rejected them.
	// Use with attribute.String("transport", ...).
	SendErrors metric.Int64Counter

	// --- Playback ---

	// BuffersScheduled counts model audio buffers queued for playback.
	BuffersScheduled metric.Int64Counter

	// DecodeErrors counts model audio payloads dropped as undecodable.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// --- Sessions ---

	// SessionStarts counts start attempts. Use with
	// attribute.String("outcome", ...) and attribute.String("transport", ...).
	SessionStarts metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from start request to opened.
	ConnectDuration metric.Float64Histogram

	// TranscriptEntries counts transcript fragments. Use with
	// attribute.String("speaker", ...).
	TranscriptEntries metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesCaptured, "voicenexus.capture.frames", "Microphone frames captured."},
		{&met.FramesSent, "voicenexus.capture.frames_sent", "Encoded frames delivered to the transport."},
		{&met.SendErrors, "voicenexus.capture.send_errors", "Frames dropped because the transport send failed."},
		{&met.BuffersScheduled, "voicenexus.playback.buffers", "Model audio buffers scheduled for playback."},
		{&met.DecodeErrors, "voicenexus.playback.decode_errors", "Model audio payloads dropped as undecodable."},
		{&met.Interruptions, "voicenexus.playback.interruptions", "Barge-in interruptions."},
		{&met.SessionStarts, "voicenexus.session.starts", "Session start attempts by outcome and transport."},
		{&met.TranscriptEntries, "voicenexus.transcript.entries", "Transcript fragments by speaker."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicenexus.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voicenexus.session.connect.duration",
		metric.WithDescription("Latency from start request until the transport reports the session open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicenexus.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStart counts one start attempt and, on success, records the
// connect latency.
func (m *Metrics) RecordSessionStart(ctx context.Context, transport, outcome string, connect time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("outcome", outcome),
	)
	m.SessionStarts.Add(ctx, 1, attrs)
	if outcome == OutcomeOK {
		m.ConnectDuration.Record(ctx, connect.Seconds(),
			metric.WithAttributes(attribute.String("transport", transport)))
	}
}

// RecordSendError counts one dropped outbound frame.
func (m *Metrics) RecordSendError(ctx context.Context, transport string) {
	m.SendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordTranscript counts one transcript fragment.
func (m *Metrics) RecordTranscript(ctx context.Context, speaker string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}
