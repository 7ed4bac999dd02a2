package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) GetActiveAccount(ctx context.Context, accountId string) (Account, error) {
	args := m.Called(ctx, accountId)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) IsConversationParticipant(ctx context.Context, accountId, conversationId string) (bool, error) {
	args := m.Called(ctx, accountId, conversationId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) ListConversationParticipants(ctx context.Context, conversationId string) ([]string, error) {
	args := m.Called(ctx, conversationId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) MarkMessageRead(ctx context.Context, params MarkReadParams) (bool, error) {
	args := m.Called(ctx, params)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) TouchLastActive(ctx context.Context, accountId string, at time.Time) error {
	args := m.Called(ctx, accountId, at)
	return args.Error(0)
}
func (m *MockRepository) ListFollowerIds(ctx context.Context, accountId string) ([]string, error) {
	args := m.Called(ctx, accountId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
