package firewall

import (
	"context"
	"errors"
	"time"
)

// ErrCommandTimeout is returned when a command exceeds its deadline.
var ErrCommandTimeout = errors.New("command timed out")

// DefaultCommandTimeout bounds every packet filter invocation.
const DefaultCommandTimeout = 10 * time.Second

// CommandRunner abstracts shell command execution.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	RunInput(ctx context.Context, input string, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual commands with a per-call timeout.
// Methods are implemented in command_linux.go and command_stub.go.
type RealCommandRunner struct {
	Timeout time.Duration
}

// NewRealCommandRunner returns a runner with the given timeout, or
// DefaultCommandTimeout when timeout is not positive.
func NewRealCommandRunner(timeout time.Duration) *RealCommandRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &RealCommandRunner{Timeout: timeout}
}

func (r *RealCommandRunner) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultCommandTimeout
	}
	return r.Timeout
}
