//go:build !linux

package firewall

import (
	"context"
	"fmt"
)

// Run is not supported on this platform.
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	return fmt.Errorf("%s: packet filter commands not supported on this platform", name)
}

// RunInput is not supported on this platform.
func (r *RealCommandRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	return fmt.Errorf("%s: packet filter commands not supported on this platform", name)
}

// Output is not supported on this platform.
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, fmt.Errorf("%s: packet filter commands not supported on this platform", name)
}
