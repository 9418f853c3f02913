//go:build linux

package firewall

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/store"
	"grimm.is/warden/internal/testutil"
)

func TestRealCommandRunner_Output(t *testing.T) {
	testutil.RequireBinary(t, "sh")
	r := NewRealCommandRunner(time.Second)

	out, err := r.Output(context.Background(), "sh", "-c", "echo blocked")
	require.NoError(t, err)
	assert.Equal(t, "blocked\n", string(out))

	err = r.RunInput(context.Background(), "198.51.100.7\n", "sh", "-c", "grep -q 198.51.100.7")
	assert.NoError(t, err)

	err = r.Run(context.Background(), "sh", "-c", "echo nope >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRealCommandRunner_TimeoutKillsProcessGroup(t *testing.T) {
	testutil.RequireBinary(t, "sh", "sleep")
	r := NewRealCommandRunner(200 * time.Millisecond)

	start := time.Now()
	err := r.Run(context.Background(), "sh", "-c", "sleep 5 & sleep 5")
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 3*time.Second, "forked children must not hold the pipes open")
}

func TestAdapter_RealIPSet(t *testing.T) {
	testutil.RequireVM(t)
	testutil.RequireRoot(t)
	testutil.RequireBinary(t, "ipset")

	opts := DefaultOptions()
	opts.ContainerChain = ChainNone
	opts.HostChain = ChainNone
	opts.AddressSet = fmt.Sprintf("wt-%d", time.Now().UnixNano()%1e6)
	opts.NetworkSet = opts.AddressSet + "-net"

	runner := NewRealCommandRunner(5 * time.Second)
	a := NewAdapter(runner, opts, logging.Discard())
	ctx := context.Background()
	t.Cleanup(func() {
		_ = runner.Run(ctx, "ipset", "destroy", opts.AddressSet)
		_ = runner.Run(ctx, "ipset", "destroy", opts.NetworkSet)
	})

	rule := store.FirewallRule{ID: "vm", IP: "198.51.100.7", Protocol: store.ProtocolAll}
	require.NoError(t, a.ApplyRule(ctx, rule, true))
	assert.NoError(t, runner.Run(ctx, "ipset", "test", opts.AddressSet, "198.51.100.7"))

	require.NoError(t, a.ApplyRule(ctx, rule, false))
	assert.Error(t, runner.Run(ctx, "ipset", "test", opts.AddressSet, "198.51.100.7"))

	cidr := store.CidrRule{ID: "net", CIDR: "192.0.2.0/24", Type: store.TypeBlock}
	require.NoError(t, a.ApplyCidrRule(ctx, cidr, true))
	assert.NoError(t, runner.Run(ctx, "ipset", "test", opts.NetworkSet, "192.0.2.44"))
}
