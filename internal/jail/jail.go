// Package jail turns abuse signals into time-bounded blocks.
//
// A source address moves Free -> Counting(n) -> Jailed(expiresAt) -> Free.
// The manager keeps only the failed-login counters; jails are firewall
// rules with an expiry, read back from the enforcer on every query.
package jail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/chains"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/network"
	"grimm.is/warden/internal/store"
)

// Jail triggers, used as metric labels.
const (
	TriggerFailedLogin = "failed_login"
	TriggerChain       = "chain"
	TriggerLegacy      = "legacy"
	TriggerManual      = "manual"
)

// Enforcer persists and releases blocks. The shield service implements it.
type Enforcer interface {
	// Jail creates or extends an expiring block for ip. changed is false
	// when an existing rule already covers ip until expiresAt.
	Jail(ctx context.Context, ip string, expiresAt int64, reason string) (rule store.FirewallRule, changed bool, err error)
	// Release removes the rule through the standard unblock path.
	Release(ctx context.Context, id string) error
	// Rules returns the current rule snapshot. Callers must not modify it.
	Rules() []store.FirewallRule
	// IsIPWhitelisted reports whether ip falls inside an ALLOW range.
	IsIPWhitelisted(ip string) bool
}

// LocalChecker decides whether an address belongs to this host or its
// private networks.
type LocalChecker interface {
	IsLocal(ip string) bool
}

// Jail is a firewall rule with an expiry still in the future.
type Jail struct {
	Rule      store.FirewallRule `json:"rule"`
	Remaining time.Duration      `json:"remaining"`
}

// Manager tracks failed attempts and issues jails.
type Manager struct {
	cfg       *config.JailConfig
	enforcer  Enforcer
	local     LocalChecker
	evaluator *chains.Evaluator
	legacy    *legacyRules
	clk       clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Registry

	mu       sync.Mutex
	attempts map[string]int
}

// Options wires a Manager.
type Options struct {
	Config    *config.JailConfig
	Enforcer  Enforcer
	Local     LocalChecker
	Evaluator *chains.Evaluator
	Clock     clock.Clock
	Logger    *logging.Logger
}

// NewManager builds a manager. Invalid legacy patterns are logged and
// skipped.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults().Jail
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("jail")

	return &Manager{
		cfg:       cfg,
		enforcer:  opts.Enforcer,
		local:     opts.Local,
		evaluator: opts.Evaluator,
		legacy:    compileLegacy(cfg, logger),
		clk:       clk,
		logger:    logger,
		metrics:   metrics.Get(),
		attempts:  make(map[string]int),
	}
}

func (m *Manager) defaultMinutes() int {
	if m.cfg.DurationMinutes > 0 {
		return m.cfg.DurationMinutes
	}
	return config.DefaultJailMinutes
}

func (m *Manager) threshold() int {
	if m.cfg.MaxAttempts > 0 {
		return m.cfg.MaxAttempts
	}
	return config.DefaultMaxAttempts
}

// exempt reports whether ip must never be jailed.
func (m *Manager) exempt(ip string) bool {
	if m.local != nil && m.local.IsLocal(ip) {
		return true
	}
	return m.enforcer.IsIPWhitelisted(ip)
}

// canonical returns the normalised address, or false for garbage input.
func canonical(ip string) (string, bool) {
	addr, ok := network.ParseIP(ip)
	if !ok {
		return "", false
	}
	return addr.String(), true
}

// RecordFailedLoginAttempt counts a failed login from ip and jails the
// address once the threshold is reached. It reports whether a jail was
// issued.
func (m *Manager) RecordFailedLoginAttempt(ctx context.Context, ip string) bool {
	if !m.cfg.AutoJailEnabled() {
		return false
	}
	ip, ok := canonical(ip)
	if !ok || m.exempt(ip) {
		return false
	}

	m.mu.Lock()
	m.attempts[ip]++
	n := m.attempts[ip]
	reached := n >= m.threshold()
	if reached {
		delete(m.attempts, ip)
	}
	m.mu.Unlock()

	if !reached {
		m.logger.Debug("failed login recorded", "ip", ip, "attempts", n)
		return false
	}

	reason := fmt.Sprintf("Auto-jailed after %d failed login attempts", n)
	_, changed, err := m.jail(ctx, ip, m.defaultMinutes(), reason, TriggerFailedLogin)
	if err != nil {
		m.logger.Error("auto-jail failed", "ip", ip, "error", err)
		return false
	}
	return changed
}

// ClearFailedAttempts resets the counter for ip, typically after a
// successful login.
func (m *Manager) ClearFailedAttempts(ip string) {
	ip, ok := canonical(ip)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.attempts, ip)
	m.mu.Unlock()
}

// FailedAttempts returns the current counter for ip.
func (m *Manager) FailedAttempts(ip string) int {
	ip, ok := canonical(ip)
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[ip]
}

// JailIP blocks ip for minutes from now.
func (m *Manager) JailIP(ctx context.Context, ip string, minutes int, reason string) (store.FirewallRule, error) {
	addr, ok := canonical(ip)
	if !ok {
		return store.FirewallRule{}, fmt.Errorf("invalid address %q", ip)
	}
	if minutes <= 0 {
		return store.FirewallRule{}, fmt.Errorf("jail duration must be positive, got %d", minutes)
	}
	rule, _, err := m.jail(ctx, addr, minutes, reason, TriggerManual)
	return rule, err
}

// jail asks the enforcer for a block and records it. Nothing is counted
// or audited when the address was already covered.
func (m *Manager) jail(ctx context.Context, ip string, minutes int, reason, trigger string) (store.FirewallRule, bool, error) {
	expiresAt := clock.NowMillis(m.clk) + int64(minutes)*60_000
	rule, changed, err := m.enforcer.Jail(ctx, ip, expiresAt, reason)
	if err != nil {
		return store.FirewallRule{}, false, err
	}
	if !changed {
		m.logger.Debug("address already blocked", "ip", ip, "rule_id", rule.ID)
		return rule, false, nil
	}

	m.metrics.Jails.WithLabelValues(trigger).Inc()
	m.logger.Audit("jail", ip, map[string]any{
		"minutes": minutes,
		"reason":  reason,
		"trigger": trigger,
		"rule_id": rule.ID,
	})
	return rule, true, nil
}

// CheckProxySecurityViolation evaluates one proxy observation and applies
// the action of every matching chain. When no chain matches, the legacy
// single-condition rules are consulted. The applied matches are returned.
func (m *Manager) CheckProxySecurityViolation(ctx context.Context, obs chains.Observation) []chains.Match {
	ip, ok := canonical(obs.IP)
	if !ok || m.exempt(ip) || m.IsIPJailed(ip) {
		return nil
	}
	obs.IP = ip

	matches := m.evaluator.Evaluate(obs)
	if len(matches) == 0 {
		if match, hit := m.legacy.match(obs); hit {
			reason := match.Reason()
			if _, _, err := m.jail(ctx, ip, m.defaultMinutes(), reason, TriggerLegacy); err != nil {
				m.logger.Error("legacy jail failed", "ip", ip, "error", err)
			}
			return []chains.Match{match}
		}
		return nil
	}

	jailed := false
	for _, match := range matches {
		m.metrics.RecordChainMatch(match.Chain, match.Action)

		switch match.Action {
		case config.ActionJail:
			// One observation yields at most one jail; the longest
			// duration among matching chains wins.
			if jailed {
				continue
			}
			minutes := longestJail(matches, m.defaultMinutes())
			if _, _, err := m.jail(ctx, ip, minutes, match.Reason(), TriggerChain); err != nil {
				m.logger.Error("chain jail failed", "ip", ip, "chain", match.Chain, "error", err)
				continue
			}
			jailed = true
		case config.ActionLogOnly:
			m.logger.Warn("rule chain matched", "ip", ip, "chain", match.Chain, "reason", match.Reason())
		case config.ActionBlock:
			m.logger.Debug("rule chain block handled by proxy", "ip", ip, "chain", match.Chain)
		}
	}
	return matches
}

func longestJail(matches []chains.Match, fallback int) int {
	longest := 0
	for _, match := range matches {
		if match.Action != config.ActionJail {
			continue
		}
		minutes := match.JailMinutes
		if minutes <= 0 {
			minutes = fallback
		}
		if minutes > longest {
			longest = minutes
		}
	}
	return longest
}

// IsIPJailed reports whether ip has an unexpired jail. Expired rules
// awaiting the sweep do not count.
func (m *Manager) IsIPJailed(ip string) bool {
	ip, ok := canonical(ip)
	if !ok {
		return false
	}
	now := clock.NowMillis(m.clk)
	for _, r := range m.enforcer.Rules() {
		if r.IP == ip && r.IsJailed(now) {
			return true
		}
	}
	return false
}

// ListJails returns every unexpired jail with its remaining time.
func (m *Manager) ListJails() []Jail {
	now := clock.NowMillis(m.clk)
	var jails []Jail
	for _, r := range m.enforcer.Rules() {
		if !r.IsJailed(now) {
			continue
		}
		jails = append(jails, Jail{
			Rule:      r.Clone(),
			Remaining: time.Duration(*r.ExpiresAt-now) * time.Millisecond,
		})
	}
	return jails
}

// Sweep releases every rule whose expiry has passed and returns how many
// were removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := clock.NowMillis(m.clk)

	var expired []store.FirewallRule
	for _, r := range m.enforcer.Rules() {
		if r.IsExpired(now) {
			expired = append(expired, r)
		}
	}

	released := 0
	for _, r := range expired {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := m.enforcer.Release(ctx, r.ID); err != nil {
			m.logger.Warn("release expired jail failed", "ip", r.IP, "id", r.ID, "error", err)
			continue
		}
		released++
		m.logger.Info("jail expired", "ip", r.IP, "id", r.ID)
	}
	return released
}

// legacyRules are the single-condition checks kept for configurations
// without rule chains.
type legacyRules struct {
	userAgents []*legacyPattern
	paths      []*legacyPattern
	methods    []string
	statuses   map[int]struct{}
}

func (l *legacyRules) match(obs chains.Observation) (chains.Match, bool) {
	if l == nil {
		return chains.Match{}, false
	}
	reason := ""
	switch {
	case obs.UserAgent != "" && l.matchPattern(l.userAgents, obs.UserAgent, &reason):
		reason = "user agent matches " + reason
	case l.matchMethod(obs.Method):
		reason = "method " + strings.ToUpper(obs.Method)
	case obs.Path != "" && l.matchPattern(l.paths, obs.Path, &reason):
		reason = "path matches " + reason
	case l.matchStatus(obs.Status):
		reason = fmt.Sprintf("status %d", obs.Status)
	default:
		return chains.Match{}, false
	}
	return chains.Match{
		Chain:   "legacy",
		Action:  config.ActionJail,
		Reasons: []string{reason},
	}, true
}

func (l *legacyRules) matchPattern(patterns []*legacyPattern, value string, matched *string) bool {
	for _, p := range patterns {
		if p.re.MatchString(value) {
			*matched = p.source
			return true
		}
	}
	return false
}

func (l *legacyRules) matchMethod(method string) bool {
	if method == "" {
		return false
	}
	for _, m := range l.methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (l *legacyRules) matchStatus(status int) bool {
	if status == 0 {
		return false
	}
	_, ok := l.statuses[status]
	return ok
}
