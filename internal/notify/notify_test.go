package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrivetpos/backend/internal/domain"
)

func TestEncodeWrapsEventInEnvelope(t *testing.T) {
	payload, err := encode(domain.SaleCompletedEvent{TransactionID: "tx_1", TotalCents: 1500, BranchID: "main-branch"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, EventSaleCompleted, env.EventType)
	assert.Equal(t, "tx_1", env.Data.TransactionID)
	assert.Equal(t, int64(1500), env.Data.TotalCents)
	assert.False(t, env.OccurredAt.IsZero())
}

func TestPubSubNotifierRequiresProject(t *testing.T) {
	_, err := NewPubSubNotifier(context.Background(), "", "", "topic")
	assert.Error(t, err)
}

func TestNoopNotifier(t *testing.T) {
	assert.NoError(t, Noop{}.SaleCompleted(context.Background(), domain.SaleCompletedEvent{}))
}
