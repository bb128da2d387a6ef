package common

import (
	"cluster-com/cluster/message"
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "cluster-com"

	SpanDispatch = "cluster.dispatch"
	SpanSend     = "cluster.send"

	AttrPeer        = "cluster.peer"
	AttrMessageID   = "cluster.message.id"
	AttrMessageSize = "cluster.message.size"
)

type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses provider, or a no-op provider when it is nil.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

func (t *Tracer) StartDispatch(ctx context.Context, msg *message.Message) (context.Context, trace.Span) {
	from, _ := msg.Header(message.HeaderFrom)
	return t.tracer.Start(ctx, SpanDispatch,
		trace.WithAttributes(messageAttrs(from, msg)...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (t *Tracer) StartSend(ctx context.Context, to string, msg *message.Message) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSend,
		trace.WithAttributes(messageAttrs(to, msg)...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func messageAttrs(peer string, msg *message.Message) []attribute.KeyValue {
	id, _ := msg.Header(message.HeaderID)
	return []attribute.KeyValue{
		attribute.String(AttrPeer, peer),
		attribute.String(AttrMessageID, id),
		attribute.Int(AttrMessageSize, len(msg.Payload)),
	}
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
