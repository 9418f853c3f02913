package network

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	"grimm.is/warden/internal/logging"
)

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// IsPrivate reports whether addr is loopback, private, link-local,
// unspecified or in CGNAT shared space.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		sharedAddressSpace.Contains(addr)
}

// ParseIP parses a textual address, dropping any zone and IPv4 mapping.
func ParseIP(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// Classifier decides whether a source address belongs to this host or
// its private networks.
type Classifier struct {
	nl     Netlinker
	logger *logging.Logger
	host   atomic.Pointer[map[netip.Addr]struct{}]
}

// NewClassifier returns a classifier with an empty host address set. A nil
// nl uses DefaultNetlinker.
func NewClassifier(nl Netlinker, logger *logging.Logger) *Classifier {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Classifier{nl: nl, logger: logger.WithComponent("network")}
	empty := map[netip.Addr]struct{}{}
	c.host.Store(&empty)
	return c
}

// Refresh reloads the host interface addresses. On failure the previous
// set is kept.
func (c *Classifier) Refresh() error {
	addrs, err := c.nl.AddrList(nil, familyAll)
	if err != nil {
		return fmt.Errorf("listing host addresses: %w", err)
	}

	set := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IPNet.IP); ok {
			set[ip.Unmap()] = struct{}{}
		}
	}
	c.host.Store(&set)
	c.logger.Debug("host addresses refreshed", "count", len(set))
	return nil
}

// IsHostAddress reports whether ip is assigned to a local interface.
func (c *Classifier) IsHostAddress(ip string) bool {
	addr, ok := ParseIP(ip)
	if !ok {
		return false
	}
	_, found := (*c.host.Load())[addr]
	return found
}

// IsLocal reports whether ip is private or owned by this host. Unparsable
// input is treated as local so that it is never jailed.
func (c *Classifier) IsLocal(ip string) bool {
	addr, ok := ParseIP(ip)
	if !ok {
		return true
	}
	if IsPrivate(addr) {
		return true
	}
	_, found := (*c.host.Load())[addr]
	return found
}

// HostAddresses returns the cached host addresses.
func (c *Classifier) HostAddresses() []netip.Addr {
	m := *c.host.Load()
	out := make([]netip.Addr, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	return out
}
