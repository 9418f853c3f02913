package shield

import (
	"context"
	"errors"
	"sync"
	"time"

	"grimm.is/warden/internal/geoip"
	"grimm.is/warden/internal/network"
	"grimm.is/warden/internal/store"
)

const (
	enrichQueueSize = 256
	enrichBackoff   = 30 * time.Minute
)

// enricher backfills geo fields, one lookup per step. New rules are
// queued ahead of the backlog.
type enricher struct {
	s      *Service
	lookup GeoLookup
	queue  chan string

	mu sync.Mutex
	// skip holds rule ids whose lookup failed, with the earliest retry.
	skip map[string]time.Time
}

func newEnricher(s *Service, lookup GeoLookup) *enricher {
	return &enricher{
		s:      s,
		lookup: lookup,
		queue:  make(chan string, enrichQueueSize),
		skip:   make(map[string]time.Time),
	}
}

func (s *Service) enqueueEnrichment(id string) {
	if s.enrich == nil {
		return
	}
	select {
	case s.enrich.queue <- id:
	default:
		// The backlog scan picks it up later.
	}
}

// next returns the rule to enrich, preferring queued ids.
func (e *enricher) next() (store.FirewallRule, bool) {
	rules := e.s.store.RulesView()
	e.forgetReleased(rules)
	byID := func(id string) (store.FirewallRule, bool) {
		for _, r := range rules {
			if r.ID == id {
				return r, true
			}
		}
		return store.FirewallRule{}, false
	}

drain:
	for {
		select {
		case id := <-e.queue:
			if r, ok := byID(id); ok && !r.HasGeo() && !e.skipped(id) {
				return r, true
			}
		default:
			break drain
		}
	}

	for _, r := range rules {
		if !r.HasGeo() && !e.skipped(r.ID) {
			return r, true
		}
	}
	return store.FirewallRule{}, false
}

// forgetReleased drops skip entries whose rule no longer exists.
func (e *enricher) forgetReleased(rules []store.FirewallRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.skip) == 0 {
		return
	}
	live := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		live[r.ID] = struct{}{}
	}
	for id := range e.skip {
		if _, ok := live[id]; !ok {
			delete(e.skip, id)
		}
	}
}

// skipped reports whether id is waiting out a backoff. A zero retry time
// means never.
func (e *enricher) skipped(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.skip[id]
	return ok && (until.IsZero() || e.s.clk.Now().Before(until))
}

func (e *enricher) backoff(id string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d <= 0 {
		e.skip[id] = time.Time{}
		return
	}
	e.skip[id] = e.s.clk.Now().Add(d)
}

// step performs at most one lookup.
func (e *enricher) step(ctx context.Context) error {
	rule, ok := e.next()
	if !ok {
		return nil
	}

	addr, ok := network.ParseIP(rule.IP)
	if !ok || network.IsPrivate(addr) {
		// Private space has no public registration data.
		e.backoff(rule.ID, 0)
		return nil
	}

	info, err := e.lookup.Lookup(ctx, rule.IP)
	if err != nil {
		e.backoff(rule.ID, enrichBackoff)
		if errors.Is(err, geoip.ErrRateLimited) || errors.Is(err, geoip.ErrUnavailable) {
			return nil
		}
		return err
	}
	if info.Empty() {
		e.backoff(rule.ID, enrichBackoff)
		return nil
	}

	err = e.s.store.UpdateRules(func(rules []store.FirewallRule) ([]store.FirewallRule, error) {
		for i := range rules {
			if rules[i].ID != rule.ID {
				continue
			}
			rules[i].Country = info.Country
			rules[i].CountryCode = info.CountryCode
			rules[i].City = info.City
			rules[i].ISP = info.ISP
			rules[i].Org = info.Org
			return rules, nil
		}
		return nil, errExists
	})
	if errors.Is(err, errExists) {
		// Removed while the lookup was in flight.
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.skip, rule.ID)
	e.mu.Unlock()
	e.s.logger.Debug("rule enriched", "ip", rule.IP, "country", info.CountryCode, "source", info.Source)
	return nil
}
