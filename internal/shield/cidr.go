package shield

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/ranges"
	"grimm.is/warden/internal/store"
)

// CidrRequest asks for a new CIDR rule. Type is ALLOW or BLOCK in any
// case.
type CidrRequest struct {
	CIDR    string
	Type    string
	Comment string
}

// CidrResult is the persisted rule, whether this call created it, and the
// rules of the opposite type it overlaps.
type CidrResult struct {
	Rule     store.CidrRule
	Created  bool
	Overlaps []string
}

func opposite(t store.RuleType) store.RuleType {
	if t == store.TypeAllow {
		return store.TypeBlock
	}
	return store.TypeAllow
}

// ListCidrRules returns every CIDR rule with unflushed hits included.
func (s *Service) ListCidrRules() []store.CidrRule {
	rules := s.store.ListCidrRules()
	for i := range rules {
		rules[i].Hits += s.index.PendingHits(rules[i].Type, rules[i].CIDR)
	}
	return rules
}

// AddCidrRule stores a CIDR rule in its canonical network form. A BLOCK
// rule is also added to the network set. Overlap with a rule of the
// opposite type is reported and logged, never refused.
func (s *Service) AddCidrRule(ctx context.Context, req CidrRequest) (CidrResult, error) {
	cidr, err := ranges.Canonical(req.CIDR)
	if err != nil {
		return CidrResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	typ, ok := store.ParseRuleType(req.Type)
	if !ok {
		return CidrResult{}, fmt.Errorf("%w: type %q", ErrInvalidInput, req.Type)
	}

	rule := store.CidrRule{
		CIDR:    cidr,
		Type:    typ,
		Comment: strings.TrimSpace(req.Comment),
	}

	s.cidrMu.Lock()
	defer s.cidrMu.Unlock()

	var existing store.CidrRule
	err = s.store.UpdateCidrRules(func(rules []store.CidrRule) ([]store.CidrRule, error) {
		for _, r := range rules {
			if r.CIDR == cidr && r.Type == typ {
				existing = r
				return nil, errExists
			}
		}
		rule.ID = uuid.NewString()
		rule.CreatedAt = clock.NowMillis(s.clk)
		return append(rules, rule), nil
	})
	if errors.Is(err, errExists) {
		existing.Hits += s.index.PendingHits(existing.Type, existing.CIDR)
		return CidrResult{Rule: existing}, nil
	}
	if err != nil {
		return CidrResult{}, fmt.Errorf("saving cidr rule: %w", err)
	}

	overlaps := s.index.Overlapping(opposite(typ), cidr)
	if len(overlaps) > 0 {
		s.logger.Warn("cidr rule overlaps rules of the opposite type",
			"cidr", cidr, "type", typ, "overlaps", overlaps)
	}

	s.index.Rebuild(s.store.ListCidrRules())
	if err := s.filter.ApplyCidrRule(ctx, rule, true); err != nil {
		s.logger.Error("packet filter update failed", "cidr", cidr, "id", rule.ID, "error", err)
	}
	s.logger.Audit("cidr_add", cidr, map[string]any{"id": rule.ID, "type": string(typ)})
	return CidrResult{Rule: rule, Created: true, Overlaps: overlaps}, nil
}

// RemoveCidrRule deletes a CIDR rule. Its unflushed hits are discarded.
func (s *Service) RemoveCidrRule(ctx context.Context, id string) error {
	s.cidrMu.Lock()
	defer s.cidrMu.Unlock()

	var removed store.CidrRule
	err := s.store.UpdateCidrRules(func(rules []store.CidrRule) ([]store.CidrRule, error) {
		for i, r := range rules {
			if r.ID == id {
				removed = r
				return append(rules[:i], rules[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: cidr rule %s", ErrNotFound, id)
	})
	if err != nil {
		return err
	}

	s.index.Rebuild(s.store.ListCidrRules())
	if err := s.filter.ApplyCidrRule(ctx, removed, false); err != nil {
		s.logger.Error("packet filter update failed", "cidr", removed.CIDR, "id", removed.ID, "error", err)
	}
	s.logger.Audit("cidr_remove", removed.CIDR, map[string]any{"id": removed.ID, "type": string(removed.Type)})
	return nil
}

// IsIPWhitelisted reports whether ip lies in an ALLOW range. Unparsable
// input is simply not whitelisted.
func (s *Service) IsIPWhitelisted(ip string) bool {
	return s.matchCidr(store.TypeAllow, ip)
}

// IsIPInBlockedCidr reports whether ip lies in a BLOCK range.
func (s *Service) IsIPInBlockedCidr(ip string) bool {
	return s.matchCidr(store.TypeBlock, ip)
}

func (s *Service) matchCidr(t store.RuleType, ip string) bool {
	if _, ok := s.index.Match(t, ip); ok {
		s.metrics.CidrMatches.WithLabelValues(string(t)).Inc()
		return true
	}
	return false
}

// FlushHits adds the in-memory hit counters to the persisted rules. If
// the write fails the counters are restored for the next attempt.
func (s *Service) FlushHits() error {
	deltas := s.index.DrainHits()
	if len(deltas) == 0 {
		return nil
	}

	var flushed int64
	err := s.store.UpdateCidrRules(func(rules []store.CidrRule) ([]store.CidrRule, error) {
		flushed = 0
		for i := range rules {
			key := ranges.HitKey{Type: rules[i].Type, CIDR: rules[i].CIDR}
			if n, ok := deltas[key]; ok {
				rules[i].Hits += n
				flushed += n
			}
		}
		return rules, nil
	})
	if err != nil {
		s.index.RestoreHits(deltas)
		return fmt.Errorf("flushing hits: %w", err)
	}

	s.metrics.HitsFlushed.Add(float64(flushed))
	s.logger.Debug("hit counters flushed", "rules", len(deltas), "hits", flushed)
	return nil
}
