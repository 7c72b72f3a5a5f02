// Package observe provides the observability primitives for parley:
// OpenTelemetry metrics, tracing helpers, a trace-aware logger and HTTP
// middleware for the operations endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. Components accept a *[Metrics] and fall back
// to [DefaultMetrics]; tests should build their own with [NewMetrics] and a
// manual reader to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds every instrument the application records.
type Metrics struct {
	// --- Turn taking ---

	// StateTransitions counts controller transitions. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// Turns counts recorded conversation turns. Attributes: role, fault.
	Turns metric.Int64Counter

	// DiscardedFragments counts recognizer results dropped because the
	// controller was not listening. Attribute: state.
	DiscardedFragments metric.Int64Counter

	// --- Recognizer ---

	// RecognizerRestarts counts automatic recognizer reactivations.
	// Attribute: delayed ("true" when backoff applied).
	RecognizerRestarts metric.Int64Counter

	// RecognizerFaults counts recognizer error events. Attribute: code.
	RecognizerFaults metric.Int64Counter

	// --- Dialogue ---

	// DialogueDuration tracks the round trip of a dialogue exchange.
	DialogueDuration metric.Float64Histogram

	// DialogueRequests counts exchanges. Attributes: backend, status.
	DialogueRequests metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes.
	// Attributes: name, to.
	BreakerTransitions metric.Int64Counter

	// --- Playback ---

	// PlaybackDuration tracks how long speaking a reply took.
	PlaybackDuration metric.Float64Histogram

	// PlaybackTimeouts counts playbacks that hit the completion timeout.
	PlaybackTimeouts metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks operations endpoint latency.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// dialogueBuckets covers backend round trips from fast local stubs to slow
// LLM-backed servers (seconds).
var dialogueBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// playbackBuckets covers spoken replies from a word to a long paragraph.
var playbackBuckets = []float64{
	0.5, 1, 2, 4, 8, 15, 30, 60, 120,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("parley.turn.state_transitions",
		metric.WithDescription("Turn controller state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.turn.turns",
		metric.WithDescription("Conversation turns recorded by role and fault flag."),
	); err != nil {
		return nil, err
	}
	if met.DiscardedFragments, err = m.Int64Counter("parley.turn.discarded_fragments",
		metric.WithDescription("Recognizer results discarded outside the listening state."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerRestarts, err = m.Int64Counter("parley.recognizer.restarts",
		metric.WithDescription("Automatic recognizer reactivations."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerFaults, err = m.Int64Counter("parley.recognizer.faults",
		metric.WithDescription("Recognizer error events by error code."),
	); err != nil {
		return nil, err
	}
	if met.DialogueRequests, err = m.Int64Counter("parley.dialogue.requests",
		metric.WithDescription("Dialogue exchanges by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("parley.resilience.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes by breaker name and target state."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackTimeouts, err = m.Int64Counter("parley.playback.timeouts",
		metric.WithDescription("Playbacks that did not report completion in time."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DialogueDuration, err = m.Float64Histogram("parley.dialogue.duration",
		metric.WithDescription("Dialogue exchange round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dialogueBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("parley.playback.duration",
		metric.WithDescription("Time spent speaking a reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Operations endpoint latency by method and path."),
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

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Panics if instrument creation fails, which does not happen
// with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition counts one controller state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordTurn counts one conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string, fault bool) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("role", role), attribute.Bool("fault", fault)))
}

// RecordDiscarded counts one dropped recognizer result.
func (m *Metrics) RecordDiscarded(ctx context.Context, state string) {
	m.DiscardedFragments.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}

// RecordRestart counts one recognizer reactivation.
func (m *Metrics) RecordRestart(ctx context.Context, delayed bool) {
	m.RecognizerRestarts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("delayed", delayed)))
}

// RecordRecognizerFault counts one recognizer error.
func (m *Metrics) RecordRecognizerFault(ctx context.Context, code string) {
	m.RecognizerFaults.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordDialogue records one dialogue exchange.
func (m *Metrics) RecordDialogue(ctx context.Context, backend, status string, seconds float64) {
	attrs := metric.WithAttributes(Attr("backend", backend), Attr("status", status))
	m.DialogueRequests.Add(ctx, 1, attrs)
	m.DialogueDuration.Record(ctx, seconds, attrs)
}

// RecordBreaker counts one circuit breaker transition.
func (m *Metrics) RecordBreaker(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("name", name), Attr("to", to)))
}

// RecordPlayback records one finished playback.
func (m *Metrics) RecordPlayback(ctx context.Context, seconds float64, timedOut bool) {
	m.PlaybackDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("timed_out", timedOut)))
	if timedOut {
		m.PlaybackTimeouts.Add(ctx, 1)
	}
}
