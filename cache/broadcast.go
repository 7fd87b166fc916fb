package cache

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/textileops/go-readcache/logger"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultChannel is the pub/sub channel used for invalidation events.
const DefaultChannel = "readcache:invalidate"

const (
	KindKey     = "key"
	KindPattern = "pattern"
)

var (
	tracer     = otel.Tracer("github.com/textileops/go-readcache/cache")
	propagator = propagation.TraceContext{}
)

// Invalidation is the message exchanged between instances.
type Invalidation struct {
	Kind    string            `msgpack:"kind"`
	Value   string            `msgpack:"value"`
	Origin  string            `msgpack:"origin"`
	Headers map[string]string `msgpack:"headers"`
}

// Broadcaster publishes invalidations over Redis pub/sub so that every
// instance can drop the affected keys from its in-process tier.
type Broadcaster struct {
	rdb     redis.UniversalClient
	channel string
	origin  string
	logger  logger.Logger
}

// NewBroadcaster returns a Broadcaster publishing on channel, or on
// DefaultChannel when channel is empty.
func NewBroadcaster(rdb redis.UniversalClient, log logger.Logger, channel string) *Broadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Broadcaster{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  log.WithPrefix("[broadcast]"),
	}
}

// Origin identifies this instance in published messages.
func (b *Broadcaster) Origin() string {
	return b.origin
}

func (b *Broadcaster) PublishKey(ctx context.Context, key string) error {
	return b.publish(ctx, KindKey, key)
}

func (b *Broadcaster) PublishPattern(ctx context.Context, pattern string) error {
	return b.publish(ctx, KindPattern, pattern)
}

func (b *Broadcaster) publish(ctx context.Context, kind, val string) error {
	msg := Invalidation{Kind: kind, Value: val, Origin: b.origin, Headers: map[string]string{}}
	propagator.Inject(ctx, propagation.MapCarrier(msg.Headers))

	ctx, span := tracer.Start(ctx, "cache.broadcast.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("cache.invalidation.kind", kind)),
	)
	defer span.End()

	payload, err := msgpack.Marshal(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrap(err, "failed to marshal invalidation")
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable(err, "publish")
	}
	return nil
}

// Subscription applies remote invalidations until closed.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Close stops the subscription and waits for the receive loop to exit.
func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe applies invalidations published by other instances to local.
// Messages from this instance are ignored since they were applied when
// published. Subscribe returns once the subscription is confirmed.
func (b *Broadcaster) Subscribe(ctx context.Context, local Cache) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, unavailable(err, "subscribe")
	}
	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				b.apply(ctx, []byte(m.Payload), local)
			}
		}
	}()
	return sub, nil
}

func (b *Broadcaster) apply(ctx context.Context, payload []byte, local Cache) {
	var msg Invalidation
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		b.logger.Error("failed to decode invalidation: %s", err)
		return
	}
	if msg.Origin == b.origin {
		return
	}
	ctx, span := tracer.Start(
		propagator.Extract(ctx, propagation.MapCarrier(msg.Headers)),
		"cache.broadcast.apply",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	switch msg.Kind {
	case KindKey:
		if _, err := local.Expire(ctx, msg.Value); err != nil {
			b.logger.Warn("failed to apply remote invalidation of %s: %s", msg.Value, err)
		}
	case KindPattern:
		n, err := local.ExpireMatching(ctx, msg.Value)
		if err != nil {
			b.logger.Warn("failed to apply remote invalidation of %s: %s", msg.Value, err)
			return
		}
		b.logger.Trace("remote invalidation of %s removed %d local keys", msg.Value, n)
	default:
		b.logger.Warn("ignoring invalidation of unknown kind %q", msg.Kind)
	}
}
