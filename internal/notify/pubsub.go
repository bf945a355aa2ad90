package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"agrivetpos/backend/internal/domain"
)

type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubNotifier connects to Google Cloud Pub/Sub. credentialsJSON may be
// empty, in which case application default credentials are used.
func NewPubSubNotifier(ctx context.Context, projectID string, credentialsJSON string, topic string) (*PubSubNotifier, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	var (
		client *pubsub.Client
		err    error
	)
	if credentialsJSON != "" {
		client, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credentialsJSON)))
	} else {
		client, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}

	return &PubSubNotifier{client: client, topic: client.Topic(topic)}, nil
}

func (n *PubSubNotifier) SaleCompleted(ctx context.Context, event domain.SaleCompletedEvent) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type": EventSaleCompleted,
			"branch_id":  event.BranchID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}
