package store

import (
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/warden/internal/logging"
)

// File names inside the data directory.
const (
	RulesFile     = "firewall_rules.json"
	CidrRulesFile = "cidr_rules.json"
)

// Store owns the canonical firewall and CIDR rule lists. Each list has its
// own writer lock, so point-rule and CIDR mutations never block each other.
type Store struct {
	rules *document[FirewallRule]
	cidrs *document[CidrRule]
}

// Open loads both documents from dir, creating the directory and empty
// files as needed. Corrupt files are logged and treated as empty.
func Open(dir string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("store")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dir, err)
	}

	s := &Store{
		rules: newDocument[FirewallRule](filepath.Join(dir, RulesFile), logger),
		cidrs: newDocument[CidrRule](filepath.Join(dir, CidrRulesFile), logger),
	}
	s.rules.load()
	s.cidrs.load()
	return s, nil
}

// ListRules returns a copy of every firewall rule.
func (s *Store) ListRules() []FirewallRule {
	return s.rules.list()
}

// RulesView returns the current snapshot without copying. Read only.
func (s *Store) RulesView() []FirewallRule {
	return s.rules.view()
}

// ListCidrRules returns a copy of every CIDR rule.
func (s *Store) ListCidrRules() []CidrRule {
	return s.cidrs.list()
}

// SaveRules replaces the firewall rule document.
func (s *Store) SaveRules(rules []FirewallRule) error {
	return s.rules.save(rules)
}

// SaveCidrRules replaces the CIDR rule document.
func (s *Store) SaveCidrRules(rules []CidrRule) error {
	return s.cidrs.save(rules)
}

// UpdateRules performs a read-modify-write of the firewall rules.
func (s *Store) UpdateRules(fn func([]FirewallRule) ([]FirewallRule, error)) error {
	return s.rules.update(fn)
}

// UpdateCidrRules performs a read-modify-write of the CIDR rules.
func (s *Store) UpdateCidrRules(fn func([]CidrRule) ([]CidrRule, error)) error {
	return s.cidrs.update(fn)
}

// Reload re-reads both documents from disk.
func (s *Store) Reload() {
	s.rules.load()
	s.cidrs.load()
}
