package event

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelHandler converts published workflow events into OpenTelemetry spans.
//
// Each event becomes a span named after its event type, carrying the
// envelope fields and payload details as attributes. Failure events
// (step failed, rollback step error) set the span status to Error.
//
// Spans are ended immediately: events are points in time, not durations.
// Step duration is recorded as the workflow.duration_ms attribute instead.
//
// Usage:
//
//	tracer := otel.Tracer("finflow")
//	oh := event.NewOTelHandler(tracer)
//	bus.SubscribePattern("workflow:*", oh.Handle)
type OTelHandler struct {
	tracer trace.Tracer
}

// NewOTelHandler creates an OTelHandler around the given tracer.
func NewOTelHandler(tracer trace.Tracer) *OTelHandler {
	return &OTelHandler{tracer: tracer}
}

// Handle creates and ends a span for one event. It is a Handler and can be
// registered with Bus.Subscribe or Bus.SubscribePattern.
func (o *OTelHandler) Handle(e Event) {
	_, span := o.tracer.Start(context.Background(), string(e.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.event_id", e.ID),
		attribute.String("workflow.type", e.WorkflowType),
		attribute.String("workflow.source", e.Source),
	)

	o.addMetadataAttributes(span, e.Metadata)
	o.addPayloadAttributes(span, e.Payload)

	if isFailureEvent(e) {
		msg := failureMessage(e)
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}

// Flush forces export of pending spans via the global tracer provider,
// when it supports flushing. Call before process shutdown.
func (o *OTelHandler) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelHandler) addMetadataAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case int:
			span.SetAttributes(attribute.Int64(key, int64(v)))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}

func (o *OTelHandler) addPayloadAttributes(span trace.Span, p Payload) {
	switch payload := p.(type) {
	case StepPayload:
		span.SetAttributes(
			attribute.String("workflow.step_id", payload.StepID),
			attribute.String("workflow.step_status", payload.Status),
			attribute.Int64("workflow.retry_attempts", int64(payload.RetryAttempts)),
		)
		if payload.Duration > 0 {
			span.SetAttributes(attribute.Int64("workflow.duration_ms", payload.Duration.Milliseconds()))
		}
	case RollbackPayload:
		if payload.StepID != "" {
			span.SetAttributes(attribute.String("workflow.step_id", payload.StepID))
		}
		if payload.Reason != "" {
			span.SetAttributes(attribute.String("workflow.rollback_reason", payload.Reason))
		}
	case ApprovalPayload:
		span.SetAttributes(attribute.String("workflow.approval_request", payload.RequestID))
	case ClosePayload:
		span.SetAttributes(attribute.String("workflow.close_period", payload.Period))
	case ForecastPayload:
		span.SetAttributes(attribute.String("workflow.forecast_period", payload.Period))
	case VariancePayload:
		span.SetAttributes(
			attribute.String("workflow.variance_account", payload.Account),
			attribute.Float64("workflow.variance", payload.Variance),
		)
	}
}

func isFailureEvent(e Event) bool {
	if strings.HasSuffix(string(e.Type), ":failed") || strings.HasSuffix(string(e.Type), ":rejected") {
		return true
	}
	if p, ok := e.Payload.(RollbackPayload); ok && p.Error != "" {
		return true
	}
	return false
}

func failureMessage(e Event) string {
	switch p := e.Payload.(type) {
	case StepPayload:
		if p.Error != "" {
			return p.Error
		}
	case RollbackPayload:
		if p.Error != "" {
			return p.Error
		}
	}
	return string(e.Type)
}
