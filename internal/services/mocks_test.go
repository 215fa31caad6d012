package services

import (
	"github.com/stretchr/testify/mock"

	"github.com/papertrade/backend/internal/payments"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateIntent(amountCents int64, metadata map[string]string) (*payments.Intent, error) {
	args := m.Called(amountCents, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.Intent), args.Error(1)
}

func (m *MockProvider) GetIntent(id string) (*payments.Intent, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.Intent), args.Error(1)
}

func (m *MockProvider) VerifyWebhook(payload []byte, signature string) (string, *payments.Intent, error) {
	args := m.Called(payload, signature)
	if args.Get(1) == nil {
		return args.String(0), nil, args.Error(2)
	}
	return args.String(0), args.Get(1).(*payments.Intent), args.Error(2)
}
