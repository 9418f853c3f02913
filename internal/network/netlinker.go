package network

import (
	"errors"

	"github.com/vishvananda/netlink"
)

// familyAll is AF_UNSPEC, asking netlink for both address families.
const familyAll = 0

// ErrNoNetlink is returned where host address discovery is unavailable.
var ErrNoNetlink = errors.New("host address discovery requires linux")

// Netlinker is the subset of netlink used to discover host addresses.
type Netlinker interface {
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}
