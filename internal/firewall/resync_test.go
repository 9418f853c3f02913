package firewall

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/store"
)

const saveDump = `# Generated by iptables-save
*filter
:INPUT ACCEPT [0:0]
:DOCKER-USER - [0:0]
-A INPUT -s 198.51.100.9/32 -p tcp -m tcp --dport 22 -m comment --comment dm-rule-keep -j DROP
-A INPUT -s 198.51.100.8/32 -p tcp -m tcp --dport 80 -m comment --comment "dm-rule-gone" -j DROP
-A INPUT -m set --match-set dm-blocked src -m comment --comment dm-managed -j DROP
-A INPUT -s 192.0.2.1/32 -j ACCEPT
COMMIT
`

func TestSetScript(t *testing.T) {
	s := DefaultOptions().set(addressSet, ipv4)
	got := setScript(s, []string{"198.51.100.7", "198.51.100.8"})
	assert.Equal(t, `create dm-blocked-tmp hash:ip family inet -exist
flush dm-blocked-tmp
add dm-blocked-tmp 198.51.100.7
add dm-blocked-tmp 198.51.100.8
swap dm-blocked-tmp dm-blocked
destroy dm-blocked-tmp
`, got)
}

func TestStaleRules(t *testing.T) {
	got := staleRules(saveDump, map[string]bool{"keep": true})
	require.Len(t, got, 1)
	assert.Equal(t, []string{"-D", "INPUT", "-s", "198.51.100.8/32", "-p", "tcp", "-m", "tcp", "--dport", "80",
		"-m", "comment", "--comment", "dm-rule-gone", "-j", "DROP"}, got[0])
}

func TestResync(t *testing.T) {
	a, m := newTestAdapter()

	var scripts []string
	m.On("Run", mock.Anything, mock.Anything).Return(nil)
	m.On("RunInput", mock.Anything, "ipset", "restore -exist").
		Run(func(args mock.Arguments) { scripts = append(scripts, args.String(0)) }).
		Return(nil)
	m.On("Output", "iptables-save", "-t filter").Return([]byte(saveDump), nil)
	m.On("Output", "ip6tables-save", "-t filter").Return(nil, errors.New("not installed"))
	m.On("Output", "ipset", "list -n").Return([]byte("dm-blocked\ndm-blocked-net\n"), nil)

	rules := []store.FirewallRule{
		{ID: "a", IP: "198.51.100.7", Protocol: store.ProtocolAll},
		{ID: "b", IP: "2001:db8::7", Protocol: store.ProtocolAll},
		{ID: "keep", IP: "198.51.100.9", Port: intPtr(22), Protocol: store.ProtocolTCP},
	}
	cidrs := []store.CidrRule{
		{ID: "c1", CIDR: "203.0.113.0/24", Type: store.TypeBlock},
		{ID: "c2", CIDR: "10.0.0.0/8", Type: store.TypeAllow},
	}

	require.NoError(t, a.Resync(context.Background(), rules, cidrs))

	// dm-blocked, dm-blocked6 and dm-blocked-net.
	require.Len(t, scripts, 3)
	joined := scripts[0] + scripts[1] + scripts[2]
	assert.Contains(t, joined, "add dm-blocked-tmp 198.51.100.7\n")
	assert.Contains(t, joined, "add dm-blocked6-tmp 2001:db8::7\n")
	assert.Contains(t, joined, "add dm-blocked-net-tmp 203.0.113.0/24\n")
	assert.NotContains(t, joined, "10.0.0.0/8")

	m.AssertCalled(t, "Run", "iptables", "-C INPUT -s 198.51.100.9 -p tcp --dport 22 -m comment --comment dm-rule-keep -j DROP")
	m.AssertCalled(t, "Run", "iptables", "-D INPUT -s 198.51.100.8/32 -p tcp -m tcp --dport 80 -m comment --comment dm-rule-gone -j DROP")
}

func TestResync_ClearsExistingIPv6Sets(t *testing.T) {
	a, m := newTestAdapter()

	scripts := map[string]string{}
	m.On("Run", mock.Anything, mock.Anything).Return(nil)
	m.On("RunInput", mock.Anything, "ipset", "restore -exist").
		Run(func(args mock.Arguments) {
			script := args.String(0)
			scripts[strings.Fields(script)[1]] = script
		}).
		Return(nil)
	m.On("Output", "ipset", "list -n").Return([]byte("dm-blocked\ndm-blocked6\ndm-blocked-net\ndm-blocked-net6\n"), nil)
	m.On("Output", mock.Anything, "-t filter").Return([]byte(""), nil)

	require.NoError(t, a.Resync(context.Background(), nil, nil))

	require.Len(t, scripts, 4)
	for _, set := range []string{"dm-blocked6", "dm-blocked-net6"} {
		script, ok := scripts[set+"-tmp"]
		require.True(t, ok, set)
		assert.NotContains(t, script, "add ", "stale %s members cleared", set)
		assert.Contains(t, script, "swap "+set+"-tmp "+set+"\n")
	}
}

func TestResync_IPv6SetsSkippedWhenListingFails(t *testing.T) {
	a, m := newTestAdapter()

	var scripts []string
	m.On("Run", mock.Anything, mock.Anything).Return(nil)
	m.On("RunInput", mock.Anything, "ipset", "restore -exist").
		Run(func(args mock.Arguments) { scripts = append(scripts, args.String(0)) }).
		Return(nil)
	m.On("Output", "ipset", "list -n").Return(nil, errors.New("exit status 1"))
	m.On("Output", mock.Anything, "-t filter").Return([]byte(""), nil)

	require.NoError(t, a.Resync(context.Background(), nil, nil))
	assert.Len(t, scripts, 2)
}

func TestResync_CollectsErrors(t *testing.T) {
	a, m := newTestAdapter()

	m.On("Run", mock.Anything, mock.Anything).Return(nil)
	m.On("RunInput", mock.Anything, "ipset", "restore -exist").Return(errors.New("restore failed"))
	m.On("Output", mock.Anything, mock.Anything).Return([]byte(""), nil)

	err := a.Resync(context.Background(), []store.FirewallRule{{ID: "x", IP: "junk"}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Contains(t, err.Error(), "restore failed")
}
