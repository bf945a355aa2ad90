package notify

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"agrivetpos/backend/internal/domain"
)

type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) SaleCompleted(ctx context.Context, event domain.SaleCompletedEvent) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
