package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and mirrors every event to a Google
// Cloud Pub/Sub topic for durable, cross-process delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//     (reporting pipelines, partner integrations)
//   - In-memory: immediate push to in-process subscribers
//
// The consensus core never depends on Pub/Sub being up: publish errors
// are logged, the in-memory path is unaffected.
type PubSubBus struct {
	*Bus // embedded — in-process subscribers keep working

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-mirrored event bus. It creates the
// topic if it does not exist.
func NewPubSubBus(projectID, topicID string, queueCap int) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	// Order by subject so all events of one transaction stay in sequence.
	topic.EnableMessageOrdering = true

	pb := &PubSubBus{
		Bus:    NewBus(queueCap),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	pb.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return pb, nil
}

// Publish mirrors the event to Pub/Sub and fans out in-process.
func (pb *PubSubBus) Publish(e *Event) {
	pb.mirror(e)
	pb.Bus.Publish(e)
}

// Emit builds an envelope and publishes it.
func (pb *PubSubBus) Emit(topic, subject string, data map[string]interface{}) {
	pb.Publish(NewEvent(topic, subject, data))
}

func (pb *PubSubBus) mirror(e *Event) {
	payload, err := e.JSON()
	if err != nil {
		pb.logger.Printf("❌ Failed to marshal event %s: %v", e.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"topic":   e.Topic,
			"subject": e.Subject,
			"id":      e.ID,
			"time":    e.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: e.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check the result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("❌ Pub/Sub publish failed: %s → %v", e.ID, err)
		}
	}()
}

// Close stops the topic publisher and the in-process workers.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	pb.Bus.Close()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}
