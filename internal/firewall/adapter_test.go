package firewall

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/store"
)

var errExit1 = errors.New("exit status 1")

const (
	baseV4    = "-m set --match-set dm-blocked src -m comment --comment dm-managed -j DROP"
	baseV6    = "-m set --match-set dm-blocked6 src -m comment --comment dm-managed -j DROP"
	baseNetV4 = "-m set --match-set dm-blocked-net src -m comment --comment dm-managed-cidr -j DROP"
)

func newTestAdapter() (*Adapter, *MockCommandRunner) {
	runner := new(MockCommandRunner)
	return NewAdapter(runner, DefaultOptions(), logging.Discard()), runner
}

func intPtr(v int) *int { return &v }

func TestApplyRule_AddressBlockEnsuresBaseRulesOnce(t *testing.T) {
	a, m := newTestAdapter()
	ctx := context.Background()

	m.On("Run", "ipset", "create dm-blocked hash:ip family inet -exist").Return(nil).Once()
	m.On("Run", "iptables", "-C DOCKER-USER "+baseV4).Return(errExit1).Once()
	m.On("Run", "iptables", "-I DOCKER-USER 1 "+baseV4).Return(nil).Once()
	m.On("Run", "iptables", "-C INPUT "+baseV4).Return(nil).Once()
	m.On("Run", "ipset", "add dm-blocked 198.51.100.7 -exist").Return(nil).Twice()

	rule := store.FirewallRule{ID: "r1", IP: "198.51.100.7", Protocol: store.ProtocolAll}
	require.NoError(t, a.ApplyRule(ctx, rule, true))
	require.NoError(t, a.ApplyRule(ctx, rule, true))

	assert.True(t, a.Ensured("dm-blocked"))
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "Run", "iptables", "-I INPUT 1 "+baseV4)
}

func TestApplyRule_AddressUnblock(t *testing.T) {
	a, m := newTestAdapter()
	m.On("Run", "ipset", "del dm-blocked 198.51.100.7 -exist").Return(nil).Once()

	err := a.ApplyRule(context.Background(), store.FirewallRule{ID: "r1", IP: "198.51.100.7"}, false)
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestApplyRule_IPv6UsesInet6Set(t *testing.T) {
	a, m := newTestAdapter()

	m.On("Run", "ipset", "create dm-blocked6 hash:ip family inet6 -exist").Return(nil).Once()
	m.On("Run", "ip6tables", "-C DOCKER-USER "+baseV6).Return(nil).Once()
	m.On("Run", "ip6tables", "-C INPUT "+baseV6).Return(nil).Once()
	m.On("Run", "ipset", "add dm-blocked6 2001:db8::1 -exist").Return(nil).Once()

	err := a.ApplyRule(context.Background(), store.FirewallRule{ID: "r1", IP: "2001:DB8::1"}, true)
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestApplyRule_PortRuleAllProtocols(t *testing.T) {
	a, m := newTestAdapter()

	tcp := "-s 198.51.100.7 -p tcp --dport 22 -m comment --comment dm-rule-r1 -j DROP"
	udp := "-s 198.51.100.7 -p udp --dport 22 -m comment --comment dm-rule-r1 -j DROP"

	// tcp already present in DOCKER-USER, everything else missing.
	m.On("Run", "iptables", "-C DOCKER-USER "+tcp).Return(nil).Once()
	m.On("Run", "iptables", "-C INPUT "+tcp).Return(errExit1).Once()
	m.On("Run", "iptables", "-I INPUT 1 "+tcp).Return(nil).Once()
	m.On("Run", "iptables", "-C DOCKER-USER "+udp).Return(errExit1).Once()
	m.On("Run", "iptables", "-I DOCKER-USER 1 "+udp).Return(nil).Once()
	m.On("Run", "iptables", "-C INPUT "+udp).Return(errExit1).Once()
	m.On("Run", "iptables", "-I INPUT 1 "+udp).Return(nil).Once()

	rule := store.FirewallRule{ID: "r1", IP: "198.51.100.7", Port: intPtr(22), Protocol: store.ProtocolAll}
	require.NoError(t, a.ApplyRule(context.Background(), rule, true))
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "Run", "iptables", "-I DOCKER-USER 1 "+tcp)
}

func TestApplyRule_PortRuleRemove(t *testing.T) {
	a, m := newTestAdapter()
	tcp := "-s 198.51.100.7 -p tcp --dport 443 -m comment --comment dm-rule-r2 -j DROP"

	m.On("Run", "iptables", "-C DOCKER-USER "+tcp).Return(nil).Once()
	m.On("Run", "iptables", "-D DOCKER-USER "+tcp).Return(nil).Once()
	m.On("Run", "iptables", "-C INPUT "+tcp).Return(errExit1).Once()

	rule := store.FirewallRule{ID: "r2", IP: "198.51.100.7", Port: intPtr(443), Protocol: store.ProtocolTCP}
	require.NoError(t, a.ApplyRule(context.Background(), rule, false))
	m.AssertExpectations(t)
}

func TestApplyRule_CommandFailureReturnedAsError(t *testing.T) {
	a, m := newTestAdapter()
	tcp := "-s 198.51.100.7 -p tcp --dport 22 -m comment --comment dm-rule-r1 -j DROP"

	m.On("Run", "iptables", "-C DOCKER-USER "+tcp).Return(errExit1)
	m.On("Run", "iptables", "-I DOCKER-USER 1 "+tcp).Return(errors.New("No chain/target/match by that name"))
	m.On("Run", "iptables", "-C INPUT "+tcp).Return(errExit1)
	m.On("Run", "iptables", "-I INPUT 1 "+tcp).Return(nil)

	rule := store.FirewallRule{ID: "r1", IP: "198.51.100.7", Port: intPtr(22), Protocol: store.ProtocolTCP}
	err := a.ApplyRule(context.Background(), rule, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No chain")
	m.AssertCalled(t, "Run", "iptables", "-I INPUT 1 "+tcp)
}

func TestApplyRule_CheckTimeoutSkipsInsert(t *testing.T) {
	a, m := newTestAdapter()
	a.opts.ContainerChain = ChainNone
	tcp := "-s 198.51.100.7 -p tcp --dport 22 -m comment --comment dm-rule-r1 -j DROP"

	m.On("Run", "iptables", "-C INPUT "+tcp).Return(ErrCommandTimeout)

	rule := store.FirewallRule{ID: "r1", IP: "198.51.100.7", Port: intPtr(22), Protocol: store.ProtocolTCP}
	err := a.ApplyRule(context.Background(), rule, true)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	m.AssertNotCalled(t, "Run", "iptables", "-I INPUT 1 "+tcp)
}

func TestApplyRule_EnsureFailureNotCached(t *testing.T) {
	a, m := newTestAdapter()
	rule := store.FirewallRule{ID: "r1", IP: "198.51.100.7"}

	m.On("Run", "ipset", "create dm-blocked hash:ip family inet -exist").Return(errors.New("ipset: command not found")).Once()
	assert.Error(t, a.ApplyRule(context.Background(), rule, true))
	assert.False(t, a.Ensured("dm-blocked"))

	m.On("Run", "ipset", "create dm-blocked hash:ip family inet -exist").Return(nil).Once()
	m.On("Run", "iptables", mock.Anything).Return(nil)
	m.On("Run", "ipset", "add dm-blocked 198.51.100.7 -exist").Return(nil).Once()
	assert.NoError(t, a.ApplyRule(context.Background(), rule, true))
	assert.True(t, a.Ensured("dm-blocked"))
}

func TestApplyRule_InvalidInput(t *testing.T) {
	a, m := newTestAdapter()

	err := a.ApplyRule(context.Background(), store.FirewallRule{ID: "x", IP: "1.2.3.4; rm -rf /"}, true)
	assert.ErrorIs(t, err, ErrInvalidRule)

	err = a.ApplyRule(context.Background(), store.FirewallRule{ID: "x", IP: "1.2.3.4", Port: intPtr(70000)}, true)
	assert.ErrorIs(t, err, ErrInvalidRule)

	m.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestApplyCidrRule(t *testing.T) {
	a, m := newTestAdapter()
	ctx := context.Background()

	// ALLOW never touches the packet filter.
	require.NoError(t, a.ApplyCidrRule(ctx, store.CidrRule{ID: "c1", CIDR: "10.0.0.0/8", Type: store.TypeAllow}, true))
	m.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)

	m.On("Run", "ipset", "create dm-blocked-net hash:net family inet -exist").Return(nil).Once()
	m.On("Run", "iptables", "-C DOCKER-USER "+baseNetV4).Return(errExit1).Once()
	m.On("Run", "iptables", "-I DOCKER-USER 1 "+baseNetV4).Return(nil).Once()
	m.On("Run", "iptables", "-C INPUT "+baseNetV4).Return(errExit1).Once()
	m.On("Run", "iptables", "-I INPUT 1 "+baseNetV4).Return(nil).Once()
	m.On("Run", "ipset", "add dm-blocked-net 203.0.113.0/24 -exist").Return(nil).Once()
	m.On("Run", "ipset", "del dm-blocked-net 203.0.113.0/24 -exist").Return(nil).Once()

	block := store.CidrRule{ID: "c2", CIDR: "203.0.113.0/24", Type: store.TypeBlock}
	require.NoError(t, a.ApplyCidrRule(ctx, block, true))
	require.NoError(t, a.ApplyCidrRule(ctx, block, false))
	m.AssertExpectations(t)

	err := a.ApplyCidrRule(ctx, store.CidrRule{CIDR: "bogus", Type: store.TypeBlock}, true)
	assert.ErrorIs(t, err, ErrInvalidRule)
}
