package jail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/chains"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/store"
)

// fakeEnforcer keeps rules in memory, keyed by address.
type fakeEnforcer struct {
	mu        sync.Mutex
	rules     []store.FirewallRule
	whitelist map[string]bool
	failJail  error
	next      int
}

func (f *fakeEnforcer) Jail(_ context.Context, ip string, expiresAt int64, reason string) (store.FirewallRule, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failJail != nil {
		return store.FirewallRule{}, false, f.failJail
	}
	for i, r := range f.rules {
		if r.IP == ip && r.Port == nil {
			if r.ExpiresAt == nil || *r.ExpiresAt >= expiresAt {
				return r.Clone(), false, nil
			}
			f.rules[i].ExpiresAt = &expiresAt
			return f.rules[i].Clone(), true, nil
		}
	}
	f.next++
	rule := store.FirewallRule{
		ID:        fmt.Sprintf("r%d", f.next),
		IP:        ip,
		Protocol:  store.ProtocolAll,
		Comment:   reason,
		ExpiresAt: &expiresAt,
	}
	f.rules = append(f.rules, rule)
	return rule.Clone(), true, nil
}

func (f *fakeEnforcer) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.ID == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeEnforcer) Rules() []store.FirewallRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.FirewallRule, len(f.rules))
	copy(out, f.rules)
	return out
}

func (f *fakeEnforcer) IsIPWhitelisted(ip string) bool {
	return f.whitelist[ip]
}

type localSet map[string]bool

func (l localSet) IsLocal(ip string) bool { return l[ip] }

type fixture struct {
	mgr      *Manager
	enforcer *fakeEnforcer
	clk      *clock.MockClock
}

func newFixture(t *testing.T, cfg *config.JailConfig, ruleChains ...config.RuleChain) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.JailConfig{MaxAttempts: 3, DurationMinutes: 30}
	}
	enf := &fakeEnforcer{whitelist: map[string]bool{}}
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := NewManager(Options{
		Config:    cfg,
		Enforcer:  enf,
		Local:     localSet{"192.168.1.10": true},
		Evaluator: chains.NewEvaluator(ruleChains, logging.Discard()),
		Clock:     clk,
		Logger:    logging.Discard(),
	})
	return &fixture{mgr: mgr, enforcer: enf, clk: clk}
}

func TestRecordFailedLoginAttempt_Threshold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.False(t, f.mgr.RecordFailedLoginAttempt(ctx, "198.51.100.7"))
	assert.False(t, f.mgr.RecordFailedLoginAttempt(ctx, "198.51.100.7"))
	assert.Equal(t, 2, f.mgr.FailedAttempts("198.51.100.7"))
	assert.False(t, f.mgr.IsIPJailed("198.51.100.7"))

	assert.True(t, f.mgr.RecordFailedLoginAttempt(ctx, "198.51.100.7"))
	assert.True(t, f.mgr.IsIPJailed("198.51.100.7"))
	assert.Zero(t, f.mgr.FailedAttempts("198.51.100.7"))

	rules := f.enforcer.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "Auto-jailed after 3 failed login attempts", rules[0].Comment)
	want := clock.Millis(f.clk.Now()) + 30*60_000
	assert.Equal(t, want, *rules[0].ExpiresAt)
}

func TestRecordFailedLoginAttempt_Exemptions(t *testing.T) {
	disabled := false
	ctx := context.Background()

	t.Run("auto jail disabled", func(t *testing.T) {
		f := newFixture(t, &config.JailConfig{AutoJail: &disabled, MaxAttempts: 1})
		assert.False(t, f.mgr.RecordFailedLoginAttempt(ctx, "198.51.100.7"))
		assert.Zero(t, f.mgr.FailedAttempts("198.51.100.7"))
	})

	t.Run("local address", func(t *testing.T) {
		f := newFixture(t, &config.JailConfig{MaxAttempts: 1})
		assert.False(t, f.mgr.RecordFailedLoginAttempt(ctx, "192.168.1.10"))
		assert.Empty(t, f.enforcer.Rules())
	})

	t.Run("whitelisted address", func(t *testing.T) {
		f := newFixture(t, &config.JailConfig{MaxAttempts: 1})
		f.enforcer.whitelist["10.1.2.3"] = true
		assert.False(t, f.mgr.RecordFailedLoginAttempt(ctx, "10.1.2.3"))
		assert.Empty(t, f.enforcer.Rules())
	})

	t.Run("garbage input", func(t *testing.T) {
		f := newFixture(t, &config.JailConfig{MaxAttempts: 1})
		assert.False(t, f.mgr.RecordFailedLoginAttempt(ctx, "not-an-ip"))
	})
}

func TestRecordFailedLoginAttempt_EnforcerFailure(t *testing.T) {
	f := newFixture(t, &config.JailConfig{MaxAttempts: 1})
	f.enforcer.failJail = errors.New("store unavailable")
	assert.False(t, f.mgr.RecordFailedLoginAttempt(context.Background(), "198.51.100.7"))
}

func TestRecordFailedLoginAttempt_AlreadyBlocked(t *testing.T) {
	f := newFixture(t, &config.JailConfig{MaxAttempts: 1})
	f.enforcer.rules = []store.FirewallRule{{ID: "perm", IP: "198.51.100.7", Protocol: store.ProtocolAll}}
	jails := f.mgr.metrics.Jails.WithLabelValues(TriggerFailedLogin)
	before := testutil.ToFloat64(jails)

	assert.False(t, f.mgr.RecordFailedLoginAttempt(context.Background(), "198.51.100.7"))
	assert.Equal(t, before, testutil.ToFloat64(jails))

	rules := f.enforcer.Rules()
	require.Len(t, rules, 1)
	assert.Nil(t, rules[0].ExpiresAt, "permanent rule untouched")

	rule, err := f.mgr.JailIP(context.Background(), "198.51.100.7", 10, "manual")
	require.NoError(t, err)
	assert.Equal(t, "perm", rule.ID)
	assert.Equal(t, before, testutil.ToFloat64(jails))
}

func TestClearFailedAttempts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mgr.RecordFailedLoginAttempt(ctx, "2001:db8::1")
	f.mgr.RecordFailedLoginAttempt(ctx, "2001:db8::1")
	f.mgr.ClearFailedAttempts("2001:db8::1")
	assert.Zero(t, f.mgr.FailedAttempts("2001:db8::1"))

	assert.False(t, f.mgr.RecordFailedLoginAttempt(ctx, "2001:db8::1"))
}

func TestJailIP_ExpiryBounds(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.clk = clock.Real{}

	before := clock.Millis(time.Now())
	rule, err := f.mgr.JailIP(context.Background(), "203.0.113.9", 15, "manual")
	after := clock.Millis(time.Now())
	require.NoError(t, err)

	require.NotNil(t, rule.ExpiresAt)
	assert.GreaterOrEqual(t, *rule.ExpiresAt, before+15*60_000)
	assert.LessOrEqual(t, *rule.ExpiresAt, after+15*60_000)
}

func TestJailIP_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.JailIP(context.Background(), "nope", 5, "x")
	assert.Error(t, err)
	_, err = f.mgr.JailIP(context.Background(), "203.0.113.9", 0, "x")
	assert.Error(t, err)
	assert.Empty(t, f.enforcer.Rules())
}

func TestListJails_ExcludesExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mgr.JailIP(ctx, "203.0.113.1", 5, "short")
	require.NoError(t, err)
	_, err = f.mgr.JailIP(ctx, "203.0.113.2", 60, "long")
	require.NoError(t, err)
	f.enforcer.rules = append(f.enforcer.rules, store.FirewallRule{ID: "perm", IP: "203.0.113.3", Protocol: store.ProtocolAll})

	f.clk.Advance(10 * time.Minute)

	jails := f.mgr.ListJails()
	require.Len(t, jails, 1)
	assert.Equal(t, "203.0.113.2", jails[0].Rule.IP)
	assert.Equal(t, 50*time.Minute, jails[0].Remaining)

	assert.False(t, f.mgr.IsIPJailed("203.0.113.1"), "expired but unswept")
	assert.False(t, f.mgr.IsIPJailed("203.0.113.3"), "permanent block is not a jail")
	assert.Len(t, f.enforcer.Rules(), 3, "queries never mutate")
}

func TestSweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _ = f.mgr.JailIP(ctx, "203.0.113.1", 1, "a")
	_, _ = f.mgr.JailIP(ctx, "203.0.113.2", 1, "b")
	_, _ = f.mgr.JailIP(ctx, "203.0.113.3", 120, "c")

	assert.Zero(t, f.mgr.Sweep(ctx))

	f.clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, f.mgr.Sweep(ctx))

	rules := f.enforcer.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "203.0.113.3", rules[0].IP)
}

func TestCheckProxySecurityViolation_JailChain(t *testing.T) {
	f := newFixture(t, nil, config.RuleChain{
		Name:        "scanners",
		Action:      config.ActionJail,
		JailMinutes: 120,
		Conditions:  []config.Condition{{Field: config.FieldUserAgent, Pattern: "sqlmap"}},
	})

	matches := f.mgr.CheckProxySecurityViolation(context.Background(), chains.Observation{
		IP:        "198.51.100.20",
		UserAgent: "sqlmap/1.7",
		Method:    "GET",
		Path:      "/",
		Status:    200,
	})
	require.Len(t, matches, 1)
	assert.Equal(t, "scanners", matches[0].Chain)

	assert.True(t, f.mgr.IsIPJailed("198.51.100.20"))
	jails := f.mgr.ListJails()
	require.Len(t, jails, 1)
	assert.Equal(t, 120*time.Minute, jails[0].Remaining)
}

func TestCheckProxySecurityViolation_AllMatchesApplied(t *testing.T) {
	f := newFixture(t, nil,
		config.RuleChain{
			Name:       "bots",
			Action:     config.ActionJail,
			Conditions: []config.Condition{{Field: config.FieldUserAgent, Pattern: "bot"}},
		},
		config.RuleChain{
			Name:        "probe",
			Action:      config.ActionJail,
			JailMinutes: 240,
			Conditions:  []config.Condition{{Field: config.FieldPath, Pattern: `\.env$`}},
		},
		config.RuleChain{
			Name:       "watch",
			Action:     config.ActionLogOnly,
			Conditions: []config.Condition{{Field: config.FieldMethod, Pattern: "get"}},
		},
	)

	matches := f.mgr.CheckProxySecurityViolation(context.Background(), chains.Observation{
		IP: "198.51.100.21", UserAgent: "EvilBot", Method: "GET", Path: "/.env", Status: 404,
	})
	assert.Len(t, matches, 3)

	jails := f.mgr.ListJails()
	require.Len(t, jails, 1)
	assert.Equal(t, 240*time.Minute, jails[0].Remaining)
}

func TestCheckProxySecurityViolation_LogOnlyDoesNotJail(t *testing.T) {
	f := newFixture(t, nil, config.RuleChain{
		Name:       "watch",
		Action:     config.ActionLogOnly,
		Conditions: []config.Condition{{Field: config.FieldStatus, Pattern: "404"}},
	})

	matches := f.mgr.CheckProxySecurityViolation(context.Background(), chains.Observation{IP: "198.51.100.22", Status: 404})
	assert.Len(t, matches, 1)
	assert.False(t, f.mgr.IsIPJailed("198.51.100.22"))
}

func TestCheckProxySecurityViolation_Skips(t *testing.T) {
	f := newFixture(t, nil, config.RuleChain{
		Name:       "any",
		Action:     config.ActionJail,
		Conditions: []config.Condition{{Field: config.FieldMethod, Pattern: "GET"}},
	})
	ctx := context.Background()

	assert.Nil(t, f.mgr.CheckProxySecurityViolation(ctx, chains.Observation{IP: "192.168.1.10", Method: "GET"}))

	f.enforcer.whitelist["10.0.0.5"] = true
	assert.Nil(t, f.mgr.CheckProxySecurityViolation(ctx, chains.Observation{IP: "10.0.0.5", Method: "GET"}))

	_, err := f.mgr.JailIP(ctx, "198.51.100.30", 10, "earlier")
	require.NoError(t, err)
	assert.Nil(t, f.mgr.CheckProxySecurityViolation(ctx, chains.Observation{IP: "198.51.100.30", Method: "GET"}))
	assert.Len(t, f.enforcer.Rules(), 1)
}

func TestCheckProxySecurityViolation_LegacyFallback(t *testing.T) {
	cfg := &config.JailConfig{
		DurationMinutes:   45,
		LegacyUserAgents:  []string{"masscan", "("},
		LegacyMethods:     []string{"PROPFIND"},
		LegacyPaths:       []string{`/wp-login\.php`},
		LegacyStatusCodes: []int{444},
	}
	ctx := context.Background()

	cases := []struct {
		name string
		obs  chains.Observation
		want bool
	}{
		{"user agent", chains.Observation{UserAgent: "MASSCAN/1.0"}, true},
		{"method", chains.Observation{Method: "propfind"}, true},
		{"path", chains.Observation{Path: "/blog/wp-login.php"}, true},
		{"status", chains.Observation{Status: 444}, true},
		{"clean", chains.Observation{UserAgent: "curl", Method: "GET", Path: "/", Status: 200}, false},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, cfg)
			tc.obs.IP = fmt.Sprintf("198.51.100.%d", 100+i)

			matches := f.mgr.CheckProxySecurityViolation(ctx, tc.obs)
			assert.Equal(t, tc.want, len(matches) == 1)
			assert.Equal(t, tc.want, f.mgr.IsIPJailed(tc.obs.IP))
			if tc.want {
				assert.Equal(t, 45*time.Minute, f.mgr.ListJails()[0].Remaining)
			}
		})
	}
}
