// Package publisher delivers job lifecycle notifications.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSub publishes notifications to Google Cloud Pub/Sub topics.
type PubSub struct {
	client *pubsub.Client
	logger *zap.Logger
}

// NewPubSub connects to Pub/Sub in the given project.
func NewPubSub(ctx context.Context, projectID string, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("publisher: create pubsub client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSub{client: client, logger: logger}, nil
}

// Publish marshals payload as JSON and publishes it to topic, returning the
// server-assigned message ID.
func (p *PubSub) Publish(ctx context.Context, topic string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("publisher: encode payload: %w", err)
	}
	t := p.client.Topic(topic)
	defer t.Stop()
	id, err := t.Publish(ctx, &pubsub.Message{Data: raw}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publisher: publish to %s: %w", topic, err)
	}
	p.logger.Debug("notification published",
		zap.String("topic", topic),
		zap.String("message_id", id),
	)
	return id, nil
}

// Close releases the Pub/Sub client.
func (p *PubSub) Close() error {
	return p.client.Close()
}
