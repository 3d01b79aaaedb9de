package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/mpetrov/autoapply/internal/events"
)

// topicPublisher is the narrow slice of *pubsub.Topic the sink needs.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSink forwards session events to a Google Cloud Pub/Sub topic so
// downstream consumers (notification fan-out, analytics) can react to
// submitted applications without polling the store.
type PubSubSink struct {
	topic topicPublisher
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Consume publishes each event as a JSON message with kind/session
// attributes. Publish errors fail the batch; the hub logs and moves on.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"kind":       string(evt.Kind),
				"session_id": evt.SessionID,
			},
		}))
	}
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Close stops the topic's publish goroutines, flushing pending messages.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
