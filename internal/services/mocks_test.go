package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruralpay/ledger/internal/models"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event models.LedgerEvent) error {
	args := m.Called(event)
	return args.Error(0)
}
