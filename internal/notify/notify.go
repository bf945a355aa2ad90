package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agrivetpos/backend/internal/domain"
)

const EventSaleCompleted = "sale.completed"

// Notifier delivers sale events to downstream consumers. Delivery is best
// effort; callers log failures and carry on.
type Notifier interface {
	SaleCompleted(ctx context.Context, event domain.SaleCompletedEvent) error
}

// Envelope is the wire shape shared by every backend.
type Envelope struct {
	EventType  string                    `json:"event_type"`
	OccurredAt time.Time                 `json:"occurred_at"`
	Data       domain.SaleCompletedEvent `json:"data"`
}

func encode(event domain.SaleCompletedEvent) ([]byte, error) {
	payload, err := json.Marshal(Envelope{
		EventType:  EventSaleCompleted,
		OccurredAt: time.Now().UTC(),
		Data:       event,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return payload, nil
}

type Noop struct{}

func (Noop) SaleCompleted(_ context.Context, _ domain.SaleCompletedEvent) error {
	return nil
}
