// Package store persists firewall rules and CIDR rules as two JSON
// documents and serves lock-free snapshots of both.
package store

import (
	"strings"
)

// Protocols accepted on firewall rules.
const (
	ProtocolAll = "ALL"
	ProtocolTCP = "TCP"
	ProtocolUDP = "UDP"
)

// RuleType classifies a CIDR rule.
type RuleType string

const (
	TypeAllow RuleType = "ALLOW"
	TypeBlock RuleType = "BLOCK"
)

// Valid reports whether t is ALLOW or BLOCK.
func (t RuleType) Valid() bool {
	return t == TypeAllow || t == TypeBlock
}

// ParseRuleType normalises user input into a RuleType.
func ParseRuleType(s string) (RuleType, bool) {
	t := RuleType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// FirewallRule blocks a single address, optionally restricted to a port.
// A rule with ExpiresAt set is a jail.
type FirewallRule struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	Port      *int   `json:"port,omitempty"`
	Protocol  string `json:"protocol"`
	Comment   string `json:"comment,omitempty"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"`

	Country     string `json:"country,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
	City        string `json:"city,omitempty"`
	ISP         string `json:"isp,omitempty"`
	Org         string `json:"org,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

// RuleKey is the idempotency key of a FirewallRule.
type RuleKey struct {
	IP       string
	Port     int // 0 when the rule covers every port
	Protocol string
}

// Key returns the (ip, port, protocol) triple.
func (r FirewallRule) Key() RuleKey {
	k := RuleKey{IP: r.IP, Protocol: r.Protocol}
	if r.Port != nil {
		k.Port = *r.Port
	}
	return k
}

// IsJailed reports whether the rule carries an expiry still in the future.
func (r FirewallRule) IsJailed(nowMillis int64) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt > nowMillis
}

// IsExpired reports whether the rule's expiry has passed.
func (r FirewallRule) IsExpired(nowMillis int64) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt <= nowMillis
}

// HasGeo reports whether enrichment already ran for the rule.
func (r FirewallRule) HasGeo() bool {
	return r.CountryCode != "" || r.Country != "" || r.ISP != ""
}

// Clone returns a deep copy.
func (r FirewallRule) Clone() FirewallRule {
	c := r
	if r.Port != nil {
		p := *r.Port
		c.Port = &p
	}
	if r.ExpiresAt != nil {
		e := *r.ExpiresAt
		c.ExpiresAt = &e
	}
	return c
}

// CidrRule allows or blocks a whole network.
type CidrRule struct {
	ID        string   `json:"id"`
	CIDR      string   `json:"cidr"`
	Type      RuleType `json:"type"`
	Comment   string   `json:"comment,omitempty"`
	Hits      int64    `json:"hits"`
	CreatedAt int64    `json:"createdAt"`
}

// Clone returns a copy.
func (r CidrRule) Clone() CidrRule {
	return r
}
