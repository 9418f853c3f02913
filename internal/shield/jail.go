package shield

import (
	"context"

	"grimm.is/warden/internal/chains"
	"grimm.is/warden/internal/jail"
	"grimm.is/warden/internal/store"
)

// enforcer lets the jail manager reach the service's block paths without
// widening the public API.
type enforcer struct{ s *Service }

func (e enforcer) Jail(ctx context.Context, ip string, expiresAt int64, reason string) (store.FirewallRule, bool, error) {
	return e.s.jail(ctx, ip, expiresAt, reason)
}

func (e enforcer) Release(ctx context.Context, id string) error {
	return e.s.unblock(ctx, id, ReasonExpired)
}

func (e enforcer) Rules() []store.FirewallRule {
	return e.s.store.RulesView()
}

func (e enforcer) IsIPWhitelisted(ip string) bool {
	return e.s.IsIPWhitelisted(ip)
}

// RecordFailedLoginAttempt counts a failed login and reports whether it
// led to a jail.
func (s *Service) RecordFailedLoginAttempt(ctx context.Context, ip string) bool {
	return s.jails.RecordFailedLoginAttempt(ctx, ip)
}

// ClearFailedAttempts resets the failed-login counter for ip.
func (s *Service) ClearFailedAttempts(ip string) {
	s.jails.ClearFailedAttempts(ip)
}

// CheckProxySecurityViolation applies the rule chains to one proxy
// observation.
func (s *Service) CheckProxySecurityViolation(ctx context.Context, obs chains.Observation) []chains.Match {
	return s.jails.CheckProxySecurityViolation(ctx, obs)
}

// JailIP blocks ip for the given number of minutes.
func (s *Service) JailIP(ctx context.Context, ip string, minutes int, reason string) (store.FirewallRule, error) {
	return s.jails.JailIP(ctx, ip, minutes, reason)
}

// IsIPJailed reports whether ip has an unexpired jail.
func (s *Service) IsIPJailed(ip string) bool {
	return s.jails.IsIPJailed(ip)
}

// ListJails returns every unexpired jail.
func (s *Service) ListJails() []jail.Jail {
	return s.jails.ListJails()
}

// SweepJails releases expired jails immediately.
func (s *Service) SweepJails(ctx context.Context) int {
	return s.jails.Sweep(ctx)
}
