package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/txrunner/pkg/transaction"
)

const instrumentationName = "github.com/nimburion/txrunner/pkg/transaction"

// SpanName is the name of the span wrapping a transactional execution.
const SpanName = "db.transaction"

var _ transaction.Observer = (*Observer)(nil)

// Observer records one client span per Execute call.
type Observer struct {
	tracer trace.Tracer
	system string
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithDBSystem sets the db.system attribute, e.g. "postgresql".
func WithDBSystem(system string) ObserverOption {
	return func(o *Observer) { o.system = system }
}

// NewObserver creates an observer using tracer, or the global provider when tracer is nil.
func NewObserver(tracer trace.Tracer, opts ...ObserverOption) *Observer {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	o := &Observer{tracer: tracer}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Observe starts the span. The returned function sets the terminal state and ends it.
func (o *Observer) Observe(ctx context.Context, def transaction.Definition) (context.Context, func(transaction.State, error)) {
	name := SpanName
	if def.Name != "" {
		name = SpanName + " " + def.Name
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.transaction.name", def.Name),
		attribute.String("db.transaction.propagation", def.Propagation.String()),
		attribute.String("db.transaction.isolation", def.Isolation.String()),
		attribute.Bool("db.transaction.read_only", def.ReadOnly),
	}
	if def.Timeout > 0 {
		attrs = append(attrs, attribute.String("db.transaction.timeout", def.Timeout.String()))
	}
	if o.system != "" {
		attrs = append(attrs, attribute.String("db.system", o.system))
	}

	ctx, span := o.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return ctx, func(state transaction.State, err error) {
		span.SetAttributes(attribute.String("db.transaction.state", state.String()))
		if err != nil {
			RecordError(span, err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// RecordError records err on span with its failure kind and marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("db.transaction.failure", transaction.Classify(err).String()))
	span.SetStatus(codes.Error, err.Error())
}
