// Package firewall drives iptables and ipset on behalf of warden.
//
// # Overview
//
// warden does not filter packets itself. It keeps its rules in the store
// and mirrors them into the kernel through the iptables, ip6tables and
// ipset binaries:
//
//   - Address-only rules become members of a hash:ip set. Two base rules,
//     one in the container chain and one in the host chain, drop traffic
//     from the set. They carry the comment "dm-managed".
//   - BLOCK CIDR rules become members of a hash:net set with its own base
//     rules, tagged "dm-managed-cidr".
//   - Port rules become discrete DROP rules inserted at the top of both
//     chains, tagged "dm-rule-<id>".
//
// Every insert is preceded by an iptables -C check so repeated applies are
// harmless. IPv6 addresses use ip6tables and inet6 sets.
//
// # Commands
//
// All binaries run through a [CommandRunner] with a bounded timeout. A
// command that exceeds it is killed and reported as [ErrCommandTimeout].
// [DryRunRunner] logs commands instead of executing them.
//
// # Visualisation
//
// [Adapter.Ruleset] parses `iptables -L -n -v --line-numbers -x` into rows
// per chain. [Adapter.RawDump] returns iptables-save output with Docker
// Swarm ingress and isolation chains removed.
package firewall
