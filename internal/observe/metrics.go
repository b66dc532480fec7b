// Package observe holds Attune's telemetry: OpenTelemetry instruments, span
// helpers, trace-aware logging and the middleware for the operator listener.
//
// [InitProvider] installs global providers whose metrics are exported through
// Prometheus. Code outside tests uses [DefaultMetrics]; tests build their own
// [Metrics] with [NewMetrics] over a private meter provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/attune"

// Metrics holds the application's instruments. Instruments are safe for
// concurrent use.
type Metrics struct {
	// STTDuration is transcription latency. Attribute: outcome.
	STTDuration metric.Float64Histogram
	// TurnDuration runs from sending a user turn to its turn-complete
	// marker. Attribute: mode.
	TurnDuration metric.Float64Histogram
	// TTSDuration is the time to the first synthesised chunk.
	TTSDuration metric.Float64Histogram

	// Utterances counts finished recordings. Attribute: reason.
	Utterances metric.Int64Counter
	// SendAttempts counts turn sends. Attribute: status (ok, transient,
	// fatal).
	SendAttempts metric.Int64Counter
	// Reconnects counts session reopenings.
	Reconnects metric.Int64Counter
	// ProviderErrors counts backend errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter
	// BreakerTransitions counts breaker state changes. Attributes: breaker,
	// to.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions is the number of open live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is operator endpoint latency. Attributes: method,
	// route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// turnBuckets suit conversational latencies, which span tens of seconds.
var turnBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// NewMetrics registers every instrument on mp's meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	met := &Metrics{}

	var errs []error
	latency := func(dst *metric.Float64Histogram, name, desc string) {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(turnBuckets...),
		)
		errs = append(errs, wrapInstrument(name, err))
		*dst = h
	}
	count := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, wrapInstrument(name, err))
		*dst = c
	}

	latency(&met.STTDuration, "attune.stt.duration", "Speech-to-text transcription latency.")
	latency(&met.TurnDuration, "attune.turn.duration", "Time from sending a user turn to its turn-complete marker.")
	latency(&met.TTSDuration, "attune.tts.duration", "Time to the first synthesised audio chunk.")

	count(&met.Utterances, "attune.utterances", "Finished recordings by stop reason.")
	count(&met.SendAttempts, "attune.send.attempts", "Turn send attempts by status.")
	count(&met.Reconnects, "attune.session.reconnects", "Live session reopenings.")
	count(&met.ProviderErrors, "attune.provider.errors", "Backend errors by provider and kind.")
	count(&met.BreakerTransitions, "attune.breaker.transitions", "Circuit breaker state changes by breaker and target state.")

	var err error
	met.ActiveSessions, err = meter.Int64UpDownCounter("attune.active_sessions",
		metric.WithDescription("Open live sessions."))
	errs = append(errs, wrapInstrument("attune.active_sessions", err))

	// Operator requests are short; the SDK default buckets fit them.
	met.HTTPRequestDuration, err = meter.Float64Histogram("attune.http.request.duration",
		metric.WithDescription("Operator endpoint latency by method, route and status."),
		metric.WithUnit("s"))
	errs = append(errs, wrapInstrument("attune.http.request.duration", err))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

func wrapInstrument(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("observe: instrument %s: %w", name, err)
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] bound to the global meter
// provider. Call it after [InitProvider]; instruments created earlier stay on
// the no-op provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProviderError counts one backend error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.add(ctx, m.ProviderErrors, Attr("provider", provider), Attr("kind", kind))
}

// RecordSendAttempt counts one turn send.
func (m *Metrics) RecordSendAttempt(ctx context.Context, status string) {
	m.add(ctx, m.SendAttempts, Attr("status", status))
}

// RecordUtterance counts one finished recording.
func (m *Metrics) RecordUtterance(ctx context.Context, reason string) {
	m.add(ctx, m.Utterances, Attr("reason", reason))
}

// RecordBreakerTransition counts a breaker moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.add(ctx, m.BreakerTransitions, Attr("breaker", breaker), Attr("to", to))
}
