package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// PubSub publishes alerts to a Google Cloud Pub/Sub topic so downstream
// consumers (trading systems, archival pipelines) get the same events as
// human channels.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSub connects with Application Default Credentials and verifies
// the topic exists up front.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSub{client: client, topic: topic}, nil
}

func (p *PubSub) Name() string { return "pubsub" }

// Send publishes one event and waits for the server ack, so delivery
// failures surface in the cycle that caused them.
func (p *PubSub) Send(ctx context.Context, event watch.ContentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return watch.NewDeliveryError(p.Name(), watch.DeliveryMalformed, err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"source_id": event.SourceID,
			"dedup_key": event.DedupKey,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return watch.NewDeliveryError(p.Name(), watch.DeliveryUnreachable, err)
	}
	return nil
}

// Close stops the publisher and the underlying client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
