// Package ranges turns CIDR rules into sorted integer ranges and answers
// membership queries against them without taking locks.
package ranges

import (
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"strings"
)

// ErrInvalidCIDR is returned for input that is neither a prefix nor an address.
var ErrInvalidCIDR = errors.New("invalid CIDR")

// Address families, used as array indexes.
const (
	familyV4 = 0
	familyV6 = 1
)

// ParsePrefix parses a CIDR or a plain address (taken as a host prefix).
// IPv4-mapped IPv6 input is unmapped and the result is masked to its
// network address.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("%w: empty", ErrInvalidCIDR)
	}
	if !strings.Contains(s, "/") {
		addr, err := parseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	addr, bits := p.Addr(), p.Bits()
	if addr.Is4In6() {
		if bits < 96 {
			return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
		addr, bits = addr.Unmap(), bits-96
	}
	return netip.PrefixFrom(addr.WithZone(""), bits).Masked(), nil
}

// Canonical returns the network form of s, e.g. "10.1.2.3/8" -> "10.0.0.0/8".
func Canonical(s string) (string, error) {
	p, err := ParsePrefix(s)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap().WithZone(""), nil
}

func family(a netip.Addr) int {
	if a.Is4() {
		return familyV4
	}
	return familyV6
}

func addrToInt(a netip.Addr) *big.Int {
	return new(big.Int).SetBytes(a.AsSlice())
}

// IPToBigInt returns the address as a big-endian unsigned integer of its
// bit width.
func IPToBigInt(ip string) (*big.Int, error) {
	addr, err := parseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid IP %q: %w", ip, err)
	}
	return addrToInt(addr), nil
}

// CIDRToRange returns the first and last address of the prefix.
func CIDRToRange(cidr string) (start, end *big.Int, err error) {
	p, err := ParsePrefix(cidr)
	if err != nil {
		return nil, nil, err
	}
	start, end = prefixRange(p)
	return start, end, nil
}

func prefixRange(p netip.Prefix) (start, end *big.Int) {
	start = addrToInt(p.Addr())
	hostBits := uint(p.Addr().BitLen() - p.Bits())
	size := new(big.Int).Lsh(big.NewInt(1), hostBits)
	end = new(big.Int).Add(start, size)
	end.Sub(end, big.NewInt(1))
	return start, end
}

// IsIPInCIDR reports whether ip falls inside cidr. Invalid input of either
// kind yields false.
func IsIPInCIDR(ip, cidr string) bool {
	addr, err := parseAddr(ip)
	if err != nil {
		return false
	}
	p, err := ParsePrefix(cidr)
	if err != nil {
		return false
	}
	if family(addr) != family(p.Addr()) {
		return false
	}
	start, end := prefixRange(p)
	v := addrToInt(addr)
	return v.Cmp(start) >= 0 && v.Cmp(end) <= 0
}
