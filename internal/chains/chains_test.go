package chains

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
)

func cond(field, pattern string) config.Condition {
	return config.Condition{Field: field, Pattern: pattern}
}

func TestEvaluate_AllChainsEvaluated(t *testing.T) {
	e := NewEvaluator([]config.RuleChain{
		{Name: "bots", Action: config.ActionJail, JailMinutes: 120, Conditions: []config.Condition{
			cond(config.FieldUserAgent, "sqlmap|nikto"),
		}},
		{Name: "wp-probe", Action: config.ActionLogOnly, Conditions: []config.Condition{
			cond(config.FieldPath, `^/wp-login\.php`),
			cond(config.FieldMethod, "post"),
		}},
		{Name: "unrelated", Action: config.ActionBlock, Conditions: []config.Condition{
			cond(config.FieldDomain, `^admin\.`),
		}},
	}, logging.Discard())

	obs := Observation{IP: "198.51.100.7", UserAgent: "Mozilla/5.0 SQLMap/1.7", Method: "POST", Path: "/wp-login.php?x=1", Status: 200, Domain: "www.example.com"}
	matches := e.Evaluate(obs)

	require.Len(t, matches, 2)
	assert.Equal(t, "bots", matches[0].Chain)
	assert.Equal(t, config.ActionJail, matches[0].Action)
	assert.Equal(t, 120, matches[0].JailMinutes)
	assert.Equal(t, "wp-probe", matches[1].Chain)
	assert.Len(t, matches[1].Reasons, 2)
}

func TestEvaluate_ConjunctionRequired(t *testing.T) {
	e := NewEvaluator([]config.RuleChain{
		{Name: "env-probe", Action: config.ActionJail, Conditions: []config.Condition{
			cond(config.FieldPath, `/\.env$`),
			cond(config.FieldStatus, "404"),
		}},
	}, logging.Discard())

	assert.Empty(t, e.Evaluate(Observation{Path: "/.env", Status: 200}))
	assert.Len(t, e.Evaluate(Observation{Path: "/app/.env", Status: 404}), 1)
}

func TestEvaluate_FieldSemantics(t *testing.T) {
	tests := []struct {
		name  string
		cond  config.Condition
		obs   Observation
		match bool
	}{
		{"method is case-insensitive equality", cond(config.FieldMethod, "delete"), Observation{Method: "DELETE"}, true},
		{"method is not containment", cond(config.FieldMethod, "GET"), Observation{Method: "GETX"}, false},
		{"status exact", cond(config.FieldStatus, "444"), Observation{Status: 444}, true},
		{"status not a regex", cond(config.FieldStatus, "4.."), Observation{Status: 404}, false},
		{"user agent containment", cond(config.FieldUserAgent, "curl"), Observation{UserAgent: "CURL/8.1"}, true},
		{"referer anchored", cond(config.FieldReferer, `^https?://spam\.`), Observation{Referer: "https://spam.example"}, true},
		{"domain miss", cond(config.FieldDomain, `^api\.`), Observation{Domain: "www.example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator([]config.RuleChain{{Name: "c", Action: config.ActionJail, Conditions: []config.Condition{tt.cond}}}, logging.Discard())
			assert.Equal(t, tt.match, len(e.Evaluate(tt.obs)) == 1)
		})
	}
}

func TestNewEvaluator_InvalidPatternDisablesChain(t *testing.T) {
	e := NewEvaluator([]config.RuleChain{
		{Name: "broken", Action: config.ActionJail, Conditions: []config.Condition{cond(config.FieldPath, "([")}},
		{Name: "unknown-field", Action: config.ActionJail, Conditions: []config.Condition{cond("cookie", "x")}},
		{Name: "ok", Action: config.ActionJail, Conditions: []config.Condition{cond(config.FieldPath, "admin")}},
		{Name: "off", Disabled: true, Action: config.ActionJail, Conditions: []config.Condition{cond(config.FieldPath, "admin")}},
	}, logging.Discard())

	assert.Equal(t, 1, e.Len())
	assert.Equal(t, []string{"broken", "unknown-field"}, e.Disabled())

	matches := e.Evaluate(Observation{Path: "/admin"})
	require.Len(t, matches, 1)
	assert.Equal(t, "ok", matches[0].Chain)
}

func TestEvaluate_EmptyChainNeverMatches(t *testing.T) {
	e := NewEvaluator([]config.RuleChain{{Name: "empty", Action: config.ActionJail}}, logging.Discard())
	assert.Empty(t, e.Evaluate(Observation{Path: "/anything"}))
}

func TestEvaluate_NilEvaluator(t *testing.T) {
	var e *Evaluator
	assert.Nil(t, e.Evaluate(Observation{}))
	assert.Zero(t, e.Len())
}

func TestMatch_Reason(t *testing.T) {
	e := NewEvaluator([]config.RuleChain{{Name: "bots", Action: config.ActionJail, Conditions: []config.Condition{
		{Field: config.FieldUserAgent, Pattern: "nikto", Description: "scanner user agent"},
		cond(config.FieldMethod, "GET"),
	}}}, logging.Discard())

	m := e.Evaluate(Observation{UserAgent: "Nikto/2.5", Method: "get"})
	require.Len(t, m, 1)
	assert.Equal(t, `Rule chain "bots": scanner user agent, method matches "GET"`, m[0].Reason())
}
