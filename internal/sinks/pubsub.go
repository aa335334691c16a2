package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// Topic is the subset of *pubsub.Topic the sink publishes through.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSink forwards every event as a JSON Record to a Pub/Sub topic.
// Trace context from the delivery ctx is injected into message attributes.
type PubSubSink struct {
	topic Topic
}

// NewPubSubSink wraps topic.
func NewPubSubSink(topic Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// ID implements messaging.Subscriber.
func (s *PubSubSink) ID() string { return "pubsub" }

// Receive publishes evt and waits for the server acknowledgement.
func (s *PubSubSink) Receive(ctx context.Context, evt Event) error {
	_, err := s.publish(ctx, evt)
	return err
}

// ReceiveError forwards error events too, so downstream consumers see
// failures.
func (s *PubSubSink) ReceiveError(ctx context.Context, evt Event) error {
	_, err := s.publish(ctx, evt)
	return err
}

func (s *PubSubSink) publish(ctx context.Context, evt Event) (string, error) {
	if s.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	rec := NewRecord(evt)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal progress record: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"publisher":  rec.Publisher,
			"event_type": rec.Type,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := s.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes outstanding messages and stops the topic's publisher
// goroutines.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
