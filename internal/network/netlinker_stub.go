//go:build !linux

package network

import (
	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is the default RealNetlinker instance.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker reports ErrNoNetlink off linux, leaving classification to
// the private-range check alone.
type RealNetlinker struct{}

// AddrList always fails with ErrNoNetlink.
func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, ErrNoNetlink
}
