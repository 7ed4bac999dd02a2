package stats

import "github.com/stretchr/testify/mock"

// MockProvider records gauge changes for assertions.
type MockProvider struct {
	mock.Mock
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockProvider) Incr(name string) {
	m.Called(name)
}

func (m *MockProvider) Decr(name string) {
	m.Called(name)
}
