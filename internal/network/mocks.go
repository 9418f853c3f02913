package network

import (
	"net"

	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a testify mock of Netlinker for classifier tests.
type MockNetlinker struct {
	mock.Mock
}

// AddrList returns the programmed addresses for every family.
func (m *MockNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	args := m.Called(link, family)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Addr), args.Error(1)
}

// WithHostAddrs programs AddrList to report the given CIDRs as host
// addresses. Unparsable entries are ignored.
func (m *MockNetlinker) WithHostAddrs(cidrs ...string) *MockNetlinker {
	addrs := make([]netlink.Addr, 0, len(cidrs))
	for _, c := range cidrs {
		ip, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		ipnet.IP = ip
		addrs = append(addrs, netlink.Addr{IPNet: ipnet})
	}
	m.On("AddrList", mock.Anything, mock.Anything).Return(addrs, nil)
	return m
}
