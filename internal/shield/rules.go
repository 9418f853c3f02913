package shield

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/network"
	"grimm.is/warden/internal/store"
)

// Block sources, used as metric labels.
const (
	SourceAdmin = "admin"
	SourceJail  = "jail"
)

// Unblock reasons, used as metric labels.
const (
	ReasonAdmin   = "admin"
	ReasonExpired = "expired"
)

// errExists aborts a store update whose rule is already present.
var errExists = errors.New("rule exists")

// BlockRequest asks for a new firewall rule.
type BlockRequest struct {
	IP        string
	Port      *int
	Protocol  string
	Comment   string
	ExpiresAt *int64
}

// BlockResult is the persisted rule and whether this call created it.
type BlockResult struct {
	Rule    store.FirewallRule
	Created bool
}

func normalizeProtocol(p string) (string, error) {
	p = strings.ToUpper(strings.TrimSpace(p))
	switch p {
	case "":
		return store.ProtocolAll, nil
	case store.ProtocolAll, store.ProtocolTCP, store.ProtocolUDP:
		return p, nil
	}
	return "", fmt.Errorf("%w: protocol %q", ErrInvalidInput, p)
}

func normalizeAddress(ip string) (string, error) {
	addr, ok := network.ParseIP(ip)
	if !ok {
		return "", fmt.Errorf("%w: address %q", ErrInvalidInput, ip)
	}
	return addr.String(), nil
}

func validPort(port *int) error {
	if port != nil && (*port < 1 || *port > 65535) {
		return fmt.Errorf("%w: port %d", ErrInvalidInput, *port)
	}
	return nil
}

// validate normalises a rule in place.
func validate(r *store.FirewallRule) error {
	ip, err := normalizeAddress(r.IP)
	if err != nil {
		return err
	}
	proto, err := normalizeProtocol(r.Protocol)
	if err != nil {
		return err
	}
	if err := validPort(r.Port); err != nil {
		return err
	}
	r.IP, r.Protocol = ip, proto
	return nil
}

// ListRules returns a copy of every firewall rule.
func (s *Service) ListRules() []store.FirewallRule {
	return s.store.ListRules()
}

// BlockIP persists a rule and applies it to the packet filter. A request
// matching an existing (ip, port, protocol) returns that rule unchanged.
// A packet filter failure is logged; the rule stays persisted and the
// next resync applies it.
func (s *Service) BlockIP(ctx context.Context, req BlockRequest) (BlockResult, error) {
	rule := store.FirewallRule{
		IP:        req.IP,
		Port:      req.Port,
		Protocol:  req.Protocol,
		Comment:   strings.TrimSpace(req.Comment),
		ExpiresAt: req.ExpiresAt,
	}
	if err := validate(&rule); err != nil {
		return BlockResult{}, err
	}
	rule = rule.Clone()

	var existing store.FirewallRule
	err := s.store.UpdateRules(func(rules []store.FirewallRule) ([]store.FirewallRule, error) {
		key := rule.Key()
		for _, r := range rules {
			if r.Key() == key {
				existing = r
				return nil, errExists
			}
		}
		rule.ID = uuid.NewString()
		rule.CreatedAt = clock.NowMillis(s.clk)
		return append(rules, rule), nil
	})
	if errors.Is(err, errExists) {
		return BlockResult{Rule: existing}, nil
	}
	if err != nil {
		return BlockResult{}, fmt.Errorf("saving rule: %w", err)
	}

	s.applyRule(ctx, rule, true)
	s.metrics.Blocks.WithLabelValues(SourceAdmin).Inc()
	s.logger.Audit("block", rule.IP, map[string]any{
		"id":       rule.ID,
		"port":     rule.Port,
		"protocol": rule.Protocol,
		"comment":  rule.Comment,
	})
	s.enqueueEnrichment(rule.ID)
	return BlockResult{Rule: rule.Clone(), Created: true}, nil
}

func (s *Service) applyRule(ctx context.Context, rule store.FirewallRule, add bool) {
	if err := s.filter.ApplyRule(ctx, rule, add); err != nil {
		s.logger.Error("packet filter update failed",
			"ip", rule.IP, "id", rule.ID, "add", add, "error", err)
	}
}

// addressHeld reports whether any of rules keeps ip in the address set.
// Address-only rules share one set member whatever their protocol.
func addressHeld(rules []store.FirewallRule, ip string) bool {
	for _, r := range rules {
		if r.IP == ip && r.Port == nil {
			return true
		}
	}
	return false
}

// releaseRule removes rule from the packet filter unless it is an
// address-only rule whose set member another rule still needs.
func (s *Service) releaseRule(ctx context.Context, rule store.FirewallRule, held bool) {
	if rule.Port == nil && held {
		s.logger.Debug("address still blocked by another rule", "ip", rule.IP, "id", rule.ID)
		return
	}
	s.applyRule(ctx, rule, false)
}

// UnblockIP removes the rule with the given id.
func (s *Service) UnblockIP(ctx context.Context, id string) error {
	return s.unblock(ctx, id, ReasonAdmin)
}

func (s *Service) unblock(ctx context.Context, id, reason string) error {
	var removed store.FirewallRule
	held := false
	err := s.store.UpdateRules(func(rules []store.FirewallRule) ([]store.FirewallRule, error) {
		for i, r := range rules {
			if r.ID == id {
				removed = r
				kept := append(rules[:i], rules[i+1:]...)
				held = addressHeld(kept, r.IP)
				return kept, nil
			}
		}
		return nil, fmt.Errorf("%w: rule %s", ErrNotFound, id)
	})
	if err != nil {
		return err
	}

	s.releaseRule(ctx, removed, held)
	s.metrics.Unblocks.WithLabelValues(reason).Inc()
	s.logger.Audit("unblock", removed.IP, map[string]any{"id": removed.ID, "reason": reason})
	return nil
}

// UnblockIPByAddress removes every rule for ip and returns how many were
// removed.
func (s *Service) UnblockIPByAddress(ctx context.Context, ip string) (int, error) {
	addr, err := normalizeAddress(ip)
	if err != nil {
		return 0, err
	}

	var removed []store.FirewallRule
	err = s.store.UpdateRules(func(rules []store.FirewallRule) ([]store.FirewallRule, error) {
		kept := rules[:0]
		for _, r := range rules {
			if r.IP == addr {
				removed = append(removed, r)
				continue
			}
			kept = append(kept, r)
		}
		if len(removed) == 0 {
			return nil, fmt.Errorf("%w: no rule for %s", ErrNotFound, addr)
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}

	for _, r := range removed {
		s.applyRule(ctx, r, false)
		s.metrics.Unblocks.WithLabelValues(ReasonAdmin).Inc()
	}
	s.logger.Audit("unblock", addr, map[string]any{"rules": len(removed), "reason": ReasonAdmin})
	return len(removed), nil
}

// UpdateRule replaces the editable fields of an existing rule: address,
// port, protocol, comment, expiry and enrichment. The id and creation
// time are kept. Changing the key re-applies the rule.
func (s *Service) UpdateRule(ctx context.Context, rule store.FirewallRule) (store.FirewallRule, error) {
	if rule.ID == "" {
		return store.FirewallRule{}, fmt.Errorf("%w: missing id", ErrInvalidInput)
	}
	next := rule.Clone()
	if err := validate(&next); err != nil {
		return store.FirewallRule{}, err
	}
	next.Comment = strings.TrimSpace(next.Comment)

	var prev store.FirewallRule
	held := false
	err := s.store.UpdateRules(func(rules []store.FirewallRule) ([]store.FirewallRule, error) {
		idx := -1
		for i, r := range rules {
			if r.ID == next.ID {
				idx = i
			} else if r.Key() == next.Key() {
				return nil, fmt.Errorf("%w: rule %s already covers %s", ErrInvalidInput, r.ID, next.IP)
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: rule %s", ErrNotFound, next.ID)
		}
		prev = rules[idx]
		next.CreatedAt = prev.CreatedAt
		rules[idx] = next
		held = addressHeld(rules, prev.IP)
		return rules, nil
	})
	if err != nil {
		return store.FirewallRule{}, err
	}

	if prev.Key() != next.Key() {
		s.releaseRule(ctx, prev, held)
		s.applyRule(ctx, next, true)
	}
	s.logger.Audit("update", next.IP, map[string]any{"id": next.ID})
	return next.Clone(), nil
}

// jail creates or extends the address-wide expiring block for ip. An
// address-only rule that already lasts at least until expiresAt, including
// a permanent one, is left as is and changed is false.
func (s *Service) jail(ctx context.Context, ip string, expiresAt int64, reason string) (store.FirewallRule, bool, error) {
	addr, err := normalizeAddress(ip)
	if err != nil {
		return store.FirewallRule{}, false, err
	}

	var result store.FirewallRule
	created := false
	err = s.store.UpdateRules(func(rules []store.FirewallRule) ([]store.FirewallRule, error) {
		extend := -1
		for i, r := range rules {
			if r.IP != addr || r.Port != nil {
				continue
			}
			if r.ExpiresAt == nil || *r.ExpiresAt >= expiresAt {
				result = r
				return nil, errExists
			}
			if r.Protocol == store.ProtocolAll && extend < 0 {
				extend = i
			}
		}
		if extend >= 0 {
			rules[extend].ExpiresAt = &expiresAt
			rules[extend].Comment = reason
			result = rules[extend].Clone()
			return rules, nil
		}
		result = store.FirewallRule{
			ID:        uuid.NewString(),
			IP:        addr,
			Protocol:  store.ProtocolAll,
			Comment:   reason,
			ExpiresAt: &expiresAt,
			CreatedAt: clock.NowMillis(s.clk),
		}
		created = true
		return append(rules, result), nil
	})
	if errors.Is(err, errExists) {
		return result, false, nil
	}
	if err != nil {
		return store.FirewallRule{}, false, fmt.Errorf("saving jail: %w", err)
	}

	if created {
		s.applyRule(ctx, result, true)
		s.metrics.Blocks.WithLabelValues(SourceJail).Inc()
		s.enqueueEnrichment(result.ID)
	}
	return result.Clone(), true, nil
}
