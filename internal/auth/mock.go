package auth

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	args := m.Called(ctx, credential)
	return args.Get(0).(Identity), args.Error(1)
}
