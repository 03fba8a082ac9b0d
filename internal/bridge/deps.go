package bridge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("snapbridge/internal/bridge")

// Dependencies are the collaborators shared by the lifecycle managers.
type Dependencies struct {
	Repository  Repository
	Jobs        JobGateway
	Staging     StagingArea
	Tasks       TaskClientFactory
	Credentials CredentialResolver
	Notifier    *Dispatcher
	Manifests   *ManifestIndex
	Observer    Observer
	Logger      Logger
	Clock       Clock
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Observer == nil {
		d.Observer = NopObserver{}
	}
	if d.Logger == nil {
		d.Logger = NewNopLogger()
	}
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	return d
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span before ending it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
