package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/models"
)

func TestRedisPublisher_Publish(t *testing.T) {
	event := models.LedgerEvent{
		EventID:        "evt-1",
		Kind:           models.EventDepositCompleted,
		TransactionIDs: []int64{1},
		AccountID:      7,
		Amount:         500,
		OccurredAt:     time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	t.Run("pushes onto configured list", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectRPush("ledger_events_test", payload).SetVal(1)

		p := NewRedisPublisher(client, "ledger_events_test")
		assert.NoError(t, p.Publish(context.Background(), event))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("default list name", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectRPush("ledger_events", payload).SetErr(errors.New("connection refused"))

		p := NewRedisPublisher(client, "")
		err := p.Publish(context.Background(), event)
		assert.EqualError(t, err, "connection refused")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
