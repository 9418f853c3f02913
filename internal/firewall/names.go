package firewall

import (
	"net/netip"
	"strings"

	"grimm.is/warden/internal/config"
)

// Ownership comments attached to every rule warden inserts.
const (
	CommentManaged     = "dm-managed"
	CommentManagedCIDR = "dm-managed-cidr"
	ruleCommentPrefix  = "dm-rule-"
)

// ChainNone disables a chain slot in Options.
const ChainNone = "none"

// RuleComment returns the owner comment for a port rule.
func RuleComment(id string) string {
	return ruleCommentPrefix + id
}

// Options names the binaries, chains and sets the adapter uses.
type Options struct {
	IPTables     string
	IP6Tables    string
	IPTablesSave string
	IPSet        string

	ContainerChain string
	HostChain      string

	AddressSet string
	NetworkSet string
}

// DefaultOptions matches the config defaults.
func DefaultOptions() Options {
	return Options{
		IPTables:       "iptables",
		IP6Tables:      "ip6tables",
		IPTablesSave:   "iptables-save",
		IPSet:          "ipset",
		ContainerChain: config.DefaultContainerChain,
		HostChain:      config.DefaultHostChain,
		AddressSet:     config.DefaultAddressSet,
		NetworkSet:     config.DefaultNetworkSet,
	}
}

// OptionsFromConfig copies the firewall block of the daemon config.
func OptionsFromConfig(cfg *config.FirewallConfig) Options {
	if cfg == nil {
		return DefaultOptions()
	}
	return Options{
		IPTables:       cfg.IPTables,
		IP6Tables:      cfg.IP6Tables,
		IPTablesSave:   cfg.IPTablesSave,
		IPSet:          cfg.IPSet,
		ContainerChain: cfg.ContainerChain,
		HostChain:      cfg.HostChain,
		AddressSet:     cfg.AddressSet,
		NetworkSet:     cfg.NetworkSet,
	}
}

func (o Options) chains() []string {
	var out []string
	for _, c := range []string{o.ContainerChain, o.HostChain} {
		if c != "" && c != ChainNone {
			out = append(out, c)
		}
	}
	return out
}

type family int

const (
	ipv4 family = iota
	ipv6
)

func familyOf(a netip.Addr) family {
	if a.Unmap().Is4() {
		return ipv4
	}
	return ipv6
}

func (f family) String() string {
	if f == ipv6 {
		return "inet6"
	}
	return "inet"
}

func (o Options) iptables(f family) string {
	if f == ipv6 {
		return o.IP6Tables
	}
	return o.IPTables
}

func (o Options) iptablesSave(f family) string {
	if f == ipv6 {
		return strings.Replace(o.IPTablesSave, "iptables", "ip6tables", 1)
	}
	return o.IPTablesSave
}

type setKind int

const (
	addressSet setKind = iota
	networkSet
)

// setSpec is one ipset plus the base rules referencing it.
type setSpec struct {
	name    string
	typ     string
	family  family
	comment string
}

func (o Options) set(kind setKind, f family) setSpec {
	s := setSpec{name: o.AddressSet, typ: "hash:ip", family: f, comment: CommentManaged}
	if kind == networkSet {
		s = setSpec{name: o.NetworkSet, typ: "hash:net", family: f, comment: CommentManagedCIDR}
	}
	if f == ipv6 {
		s.name += "6"
	}
	return s
}

func (s setSpec) baseRule() []string {
	return []string{"-m", "set", "--match-set", s.name, "src", "-m", "comment", "--comment", s.comment, "-j", "DROP"}
}
