package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var setNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,26}$`)
var chainNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,28}$`)

var validFields = map[string]bool{
	FieldUserAgent: true,
	FieldMethod:    true,
	FieldPath:      true,
	FieldStatus:    true,
	FieldReferer:   true,
	FieldDomain:    true,
}

var validActions = map[string]bool{
	ActionJail:    true,
	ActionLogOnly: true,
	ActionBlock:   true,
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir cannot be empty"))
	}

	fw := c.Firewall
	if fw != nil {
		for _, name := range []string{fw.AddressSet, fw.NetworkSet} {
			if !setNameRegex.MatchString(name) {
				errs = append(errs, fmt.Errorf("invalid set name: %q", name))
			}
		}
		for _, name := range []string{fw.ContainerChain, fw.HostChain} {
			if !chainNameRegex.MatchString(name) {
				errs = append(errs, fmt.Errorf("invalid chain name: %q", name))
			}
		}
		if fw.AddressSet == fw.NetworkSet {
			errs = append(errs, errors.New("address_set and network_set must differ"))
		}
		errs = append(errs, checkDuration("firewall.command_timeout", fw.CommandTimeout))
	}

	if j := c.Jail; j != nil {
		if j.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("jail.max_attempts must be >= 1, got %d", j.MaxAttempts))
		}
		if j.DurationMinutes < 1 {
			errs = append(errs, fmt.Errorf("jail.duration_minutes must be >= 1, got %d", j.DurationMinutes))
		}
		errs = append(errs, checkDuration("jail.sweep_interval", j.SweepInterval))
		for _, p := range append(append([]string{}, j.LegacyUserAgents...), j.LegacyPaths...) {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("invalid legacy pattern %q: %w", p, err))
			}
		}
	}

	if r := c.Ranges; r != nil {
		errs = append(errs, checkDuration("ranges.flush_interval", r.FlushInterval))
	}

	if a := c.Audit; a != nil {
		errs = append(errs, checkDuration("audit.retention", a.Retention))
	}

	if e := c.Enrichment; e != nil {
		errs = append(errs, checkDuration("enrichment.interval", e.Interval))
		errs = append(errs, checkDuration("enrichment.timeout", e.Timeout))
		if e.Enabled && !strings.Contains(e.LookupURL, "%s") {
			errs = append(errs, fmt.Errorf("enrichment.lookup_url must contain %%s: %q", e.LookupURL))
		}
	}

	seen := make(map[string]bool)
	for _, rc := range c.RuleChains {
		if rc.Name == "" {
			errs = append(errs, errors.New("rule chain name cannot be empty"))
			continue
		}
		if seen[rc.Name] {
			errs = append(errs, fmt.Errorf("duplicate rule chain %q", rc.Name))
		}
		seen[rc.Name] = true

		if !validActions[rc.Action] {
			errs = append(errs, fmt.Errorf("rule chain %q: unknown action %q", rc.Name, rc.Action))
		}
		if rc.JailMinutes < 0 {
			errs = append(errs, fmt.Errorf("rule chain %q: jail_minutes cannot be negative", rc.Name))
		}
		if len(rc.Conditions) == 0 {
			errs = append(errs, fmt.Errorf("rule chain %q has no conditions", rc.Name))
		}
		for _, cond := range rc.Conditions {
			if !validFields[cond.Field] {
				errs = append(errs, fmt.Errorf("rule chain %q: unknown field %q", rc.Name, cond.Field))
			}
		}
	}

	return errors.Join(errs...)
}

func checkDuration(name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}
