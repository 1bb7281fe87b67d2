// Package publish resolves an event type to its topic, picks a partition and
// appends the payload, folding every result into an Outcome.
//
// The router never retries and never holds a registry lock while the append
// is in flight. Once Append has been called the router waits for it to
// return; whether a cancelled context aborts a started append is up to the
// storage backend.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"eventgate/internal/domain"
	"eventgate/internal/logging"
	"eventgate/internal/partition"
	"eventgate/internal/registry"
	"eventgate/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "eventgate/internal/publish"

// Publisher is the entry point transports call into.
type Publisher interface {
	Publish(ctx context.Context, name domain.EventTypeName, payload []byte) Outcome
}

type Router struct {
	registry registry.Resolver
	selector partition.Selector
	store    storage.TopicStore
	logger   *slog.Logger
	tracer   trace.Tracer
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

func NewRouter(resolver registry.Resolver, selector partition.Selector, store storage.TopicStore, opts ...Option) (*Router, error) {
	if resolver == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if selector == nil {
		return nil, fmt.Errorf("partition selector is required")
	}
	if store == nil {
		return nil, fmt.Errorf("topic store is required")
	}
	r := &Router{registry: resolver, selector: selector, store: store}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(logging.Component("publish"))
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r, nil
}

func (r *Router) Publish(ctx context.Context, name domain.EventTypeName, payload []byte) Outcome {
	ctx, span := r.tracer.Start(ctx, "eventgate.publish", trace.WithAttributes(
		attribute.String("eventgate.event_type", string(name)),
		attribute.Int("eventgate.payload_bytes", len(payload)),
	))
	defer span.End()

	out := r.publish(ctx, name, payload)

	span.SetAttributes(
		attribute.String("eventgate.outcome", out.Kind.String()),
		attribute.String("eventgate.topic", string(out.Topic)),
		attribute.String("eventgate.partition", string(out.Partition)),
	)
	if out.Kind == KindStorageFailure {
		span.RecordError(out.Cause)
		span.SetStatus(codes.Error, "storage failure")
		r.logger.WarnContext(ctx, "publish failed",
			slog.String("event_type", string(name)),
			slog.String("topic", string(out.Topic)),
			slog.String("partition", string(out.Partition)),
			logging.Error(out.Cause))
	}
	return out
}

func (r *Router) publish(ctx context.Context, name domain.EventTypeName, payload []byte) Outcome {
	et, ok := r.registry.Resolve(name)
	if !ok {
		return notFound(name)
	}
	if !et.Bound() {
		return storageFailure(name, "", "", ErrEventTypeUnbound)
	}
	if err := ctx.Err(); err != nil {
		return storageFailure(name, et.Topic, "", fmt.Errorf("before append: %w", err))
	}

	p := r.selector.Choose(et.Topic)
	if err := r.store.Append(ctx, et.Topic, p, payload); err != nil {
		return storageFailure(name, et.Topic, p, fmt.Errorf("append %s/%s: %w", et.Topic, p, err))
	}
	return accepted(name, et.Topic, p)
}

var _ Publisher = (*Router)(nil)
