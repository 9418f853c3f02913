package firewall

import (
	"context"
	"errors"
	"strings"

	"grimm.is/warden/internal/logging"
)

// errDryRunCheck makes every iptables -C report "absent" so the would-be
// insert is logged too.
var errDryRunCheck = errors.New("dry run: rule not present")

// DryRunRunner logs commands instead of executing them.
type DryRunRunner struct {
	Logger *logging.Logger
}

func (d *DryRunRunner) log(name string, args []string, extra ...any) {
	l := d.Logger
	if l == nil {
		l = logging.Default()
	}
	l.Info("dry run", append([]any{"cmd", name + " " + strings.Join(args, " ")}, extra...)...)
}

func (d *DryRunRunner) Run(ctx context.Context, name string, args ...string) error {
	d.log(name, args)
	for _, a := range args {
		if a == "-C" {
			return errDryRunCheck
		}
	}
	return nil
}

func (d *DryRunRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	d.log(name, args, "lines", strings.Count(input, "\n"))
	return nil
}

func (d *DryRunRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	d.log(name, args)
	return nil, nil
}
