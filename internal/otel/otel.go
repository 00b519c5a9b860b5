package otel

import (
	"context"
	"sync"

	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/events"
	"github.com/hanpama/gqlcache/internal/opid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers to bus.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string, bus *eventbus.Bus) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(bus, tp.Tracer("gqlcache"))
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span-producing handlers to bus and returns a function
// removing them. Spans of one operation are correlated by operation ID.
func Attach(bus *eventbus.Bus, tracer trace.Tracer) func() {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer      trace.Tracer
	querySpans  sync.Map // opid -> trace.Span
	remoteSpans sync.Map // opid -> trace.Span
}

// parent returns ctx carrying the query span of the operation, if any.
func (s *subscriber) parent(ctx context.Context) (context.Context, bool) {
	id, ok := opid.FromContext(ctx)
	if !ok {
		return ctx, false
	}
	v, ok := s.querySpans.Load(id)
	if !ok {
		return ctx, false
	}
	return trace.ContextWithSpan(ctx, v.(trace.Span)), true
}

// instant records a store event as a zero-length span under the running
// query, or as a root span when there is none.
func (s *subscriber) instant(ctx context.Context, name string, attrs ...attribute.KeyValue) trace.Span {
	parent, _ := s.parent(ctx)
	_, span := s.tracer.Start(parent, name, trace.WithAttributes(attrs...))
	return span
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryStart) {
			id, _ := opid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "cache.query")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("cache.fetch_policy", e.FetchPolicy),
			)
			s.querySpans.Store(id, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryFinish) {
			id, _ := opid.FromContext(ctx)
			v, ok := s.querySpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				attribute.Bool("cache.from_cache", e.FromCache),
				attribute.Bool("cache.complete", e.Complete),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.RemoteStart) {
			id, _ := opid.FromContext(ctx)
			parent, _ := s.parent(ctx)
			_, span := s.tracer.Start(parent, "cache.remote")
			span.SetAttributes(attribute.String("graphql.operation.name", e.OperationName))
			s.remoteSpans.Store(id, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.RemoteFinish) {
			id, _ := opid.FromContext(ctx)
			v, ok := s.remoteSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Bool("cache.remote.shared", e.Shared))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.Write) {
			span := s.instant(ctx, "cache.write",
				attribute.String("cache.write.kind", e.Kind),
				attribute.String("cache.root_id", e.RootID),
				attribute.Int("cache.changed", len(e.ChangedID)),
				attribute.Bool("cache.broadcast", e.Broadcast),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.Evict) {
			s.instant(ctx, "cache.evict",
				attribute.String("cache.id", e.ID),
				attribute.String("cache.field", e.FieldName),
				attribute.Bool("cache.removed", e.Removed),
			).End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.GC) {
			s.instant(ctx, "cache.gc", attribute.Int("cache.removed", len(e.Removed))).End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.Broadcast) {
			s.instant(ctx, "cache.broadcast",
				attribute.Int("cache.watchers", e.Watchers),
				attribute.Int("cache.delivered", e.Delivered),
			).End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
