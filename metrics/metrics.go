// Package metrics provides OpenTelemetry instruments for the validation engine.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "dep-validator"

// Metrics holds the engine instruments. A nil *Metrics records nothing.
type Metrics struct {
	commandAttempts metric.Int64Counter
	commandRetries  metric.Int64Counter
	indexRequests   metric.Int64Counter
	checkOutcomes   metric.Int64Counter
	eventsDropped   metric.Int64Counter
	batchDuration   metric.Float64Histogram
}

// New creates the instruments on provider, or on the global provider when
// provider is nil.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.commandAttempts, err = meter.Int64Counter("depvalidator.command.attempts",
		metric.WithDescription("External command attempts by classification")); err != nil {
		return nil, err
	}
	if m.commandRetries, err = meter.Int64Counter("depvalidator.command.retries",
		metric.WithDescription("Retries after transient command failures")); err != nil {
		return nil, err
	}
	if m.indexRequests, err = meter.Int64Counter("depvalidator.index.requests",
		metric.WithDescription("Package index HTTP requests by result")); err != nil {
		return nil, err
	}
	if m.checkOutcomes, err = meter.Int64Counter("depvalidator.check.outcomes",
		metric.WithDescription("Terminal check outcomes by kind and result")); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter("depvalidator.events.dropped",
		metric.WithDescription("Status events dropped because the bus was closed")); err != nil {
		return nil, err
	}
	if m.batchDuration, err = meter.Float64Histogram("depvalidator.batch.duration",
		metric.WithDescription("Validation batch duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return m, nil
}

// CommandAttempt records one command attempt.
func (m *Metrics) CommandAttempt(ctx context.Context, command, class string) {
	if m == nil {
		return
	}
	m.commandAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("class", class),
	))
}

// CommandRetry records a retry scheduled after a transient failure.
func (m *Metrics) CommandRetry(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.commandRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
}

// IndexRequest records one package index request.
func (m *Metrics) IndexRequest(ctx context.Context, host, result string) {
	if m == nil {
		return
	}
	m.indexRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("host", host),
		attribute.String("result", result),
	))
}

// CheckOutcome records the terminal outcome of one repository or package check.
func (m *Metrics) CheckOutcome(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.checkOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// EventDropped records an event that never reached subscribers.
func (m *Metrics) EventDropped(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// BatchDuration records how long a validation batch took.
func (m *Metrics) BatchDuration(ctx context.Context, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.batchDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}
