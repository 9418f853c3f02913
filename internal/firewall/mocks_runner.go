package firewall

import (
	"context"
	"strings"

	"github.com/stretchr/testify/mock"
)

// MockCommandRunner is a mock implementation of CommandRunner for testing.
// Arguments are joined with single spaces so expectations read like the
// command line: On("Run", "iptables", "-C INPUT -s 1.2.3.4 -j DROP").
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	result := m.Called(name, strings.Join(args, " "))
	return result.Error(0)
}

func (m *MockCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	result := m.Called(name, strings.Join(args, " "))
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockCommandRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	result := m.Called(input, name, strings.Join(args, " "))
	return result.Error(0)
}
