// Package chains classifies a single proxy observation against the
// configured rule chains. Every chain is evaluated; all matches are
// returned so the caller can apply each action.
package chains

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
)

// Observation is one request seen by the reverse proxy.
type Observation struct {
	IP        string
	UserAgent string
	Method    string
	Path      string
	Status    int
	Referer   string
	Domain    string
}

// Field returns the observation value a condition on name inspects.
func (o Observation) Field(name string) string {
	switch name {
	case config.FieldUserAgent:
		return o.UserAgent
	case config.FieldMethod:
		return o.Method
	case config.FieldPath:
		return o.Path
	case config.FieldStatus:
		return strconv.Itoa(o.Status)
	case config.FieldReferer:
		return o.Referer
	case config.FieldDomain:
		return o.Domain
	}
	return ""
}

// Match is a chain whose conditions all held.
type Match struct {
	Chain       string
	Action      string
	JailMinutes int
	// Reasons holds one entry per condition, the description when set.
	Reasons []string
}

// Reason joins the per-condition reasons for logs and rule comments.
func (m Match) Reason() string {
	return fmt.Sprintf("Rule chain %q: %s", m.Chain, strings.Join(m.Reasons, ", "))
}

type matcher func(value string) bool

type condition struct {
	field  string
	reason string
	match  matcher
}

type compiledChain struct {
	name        string
	action      string
	jailMinutes int
	conditions  []condition
}

// Evaluator holds compiled chains. It is immutable and safe for
// concurrent use.
type Evaluator struct {
	chains   []compiledChain
	disabled []string
}

// NewEvaluator compiles every enabled chain. A chain with an invalid
// pattern or unknown field is disabled with a warning; the rest still load.
func NewEvaluator(chains []config.RuleChain, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("chains")

	e := &Evaluator{}
	for _, c := range chains {
		if c.Disabled {
			continue
		}
		cc, err := compile(c)
		if err != nil {
			logger.Warn("rule chain disabled", "chain", c.Name, "error", err)
			e.disabled = append(e.disabled, c.Name)
			continue
		}
		e.chains = append(e.chains, cc)
	}
	return e
}

func compile(c config.RuleChain) (compiledChain, error) {
	cc := compiledChain{name: c.Name, action: c.Action, jailMinutes: c.JailMinutes}
	for _, cond := range c.Conditions {
		m, err := compileCondition(cond)
		if err != nil {
			return compiledChain{}, err
		}
		reason := cond.Description
		if reason == "" {
			reason = fmt.Sprintf("%s matches %q", cond.Field, cond.Pattern)
		}
		cc.conditions = append(cc.conditions, condition{field: cond.Field, reason: reason, match: m})
	}
	return cc, nil
}

func compileCondition(cond config.Condition) (matcher, error) {
	switch cond.Field {
	case config.FieldMethod:
		want := cond.Pattern
		return func(v string) bool { return strings.EqualFold(v, want) }, nil
	case config.FieldStatus:
		want := strings.TrimSpace(cond.Pattern)
		return func(v string) bool { return v == want }, nil
	case config.FieldUserAgent, config.FieldPath, config.FieldReferer, config.FieldDomain:
		re, err := regexp.Compile("(?i)" + cond.Pattern)
		if err != nil {
			return nil, fmt.Errorf("condition on %s: %w", cond.Field, err)
		}
		return re.MatchString, nil
	}
	return nil, fmt.Errorf("unknown condition field %q", cond.Field)
}

// Evaluate returns every chain that matched obs, in configuration order.
// A chain with no conditions never matches.
func (e *Evaluator) Evaluate(obs Observation) []Match {
	if e == nil {
		return nil
	}
	var out []Match
	for _, c := range e.chains {
		if m, ok := c.evaluate(obs); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c compiledChain) evaluate(obs Observation) (Match, bool) {
	if len(c.conditions) == 0 {
		return Match{}, false
	}
	reasons := make([]string, 0, len(c.conditions))
	for _, cond := range c.conditions {
		if !cond.match(obs.Field(cond.field)) {
			return Match{}, false
		}
		reasons = append(reasons, cond.reason)
	}
	return Match{Chain: c.name, Action: c.action, JailMinutes: c.jailMinutes, Reasons: reasons}, true
}

// Len returns the number of active chains.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.chains)
}

// Disabled lists chains dropped at compile time.
func (e *Evaluator) Disabled() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.disabled...)
}
