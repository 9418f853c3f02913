// Package network classifies source addresses as local or remote.
//
// An address is local when it is loopback, private (RFC 1918, RFC 4193),
// link-local, unspecified, CGNAT shared space, or assigned to one of the
// host's own interfaces. Host addresses are read over netlink and cached;
// call [Classifier.Refresh] to pick up changes.
//
// Local addresses are never counted towards or placed in a jail.
package network
