package cache

import (
	"context"
	"time"

	"agrivetpos/backend/internal/domain"
)

// ReceiptCache keeps confirmed receipts by idempotency key so retries
// are answered without touching the database.
type ReceiptCache interface {
	Get(ctx context.Context, key string) (*domain.Receipt, bool, error)
	Set(ctx context.Context, key string, value *domain.Receipt, ttl time.Duration) error
	// Delete evicts a receipt whose transaction changed after it was cached.
	Delete(ctx context.Context, key string) error
}

type NoopReceiptCache struct{}

func (NoopReceiptCache) Get(_ context.Context, _ string) (*domain.Receipt, bool, error) {
	return nil, false, nil
}

func (NoopReceiptCache) Set(_ context.Context, _ string, _ *domain.Receipt, _ time.Duration) error {
	return nil
}

func (NoopReceiptCache) Delete(_ context.Context, _ string) error {
	return nil
}
