package firewall

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"grimm.is/warden/internal/ranges"
	"grimm.is/warden/internal/store"
)

// setScript renders an ipset restore script that fills a temporary set
// and swaps it with the live one, so members never disappear mid-update.
func setScript(s setSpec, members []string) string {
	tmp := s.name + "-tmp"
	var b strings.Builder
	fmt.Fprintf(&b, "create %s %s family %s -exist\n", tmp, s.typ, s.family)
	fmt.Fprintf(&b, "flush %s\n", tmp)
	for _, m := range members {
		fmt.Fprintf(&b, "add %s %s\n", tmp, m)
	}
	fmt.Fprintf(&b, "swap %s %s\n", tmp, s.name)
	fmt.Fprintf(&b, "destroy %s\n", tmp)
	return b.String()
}

// Resync makes the packet filter match the given rules: set contents are
// replaced wholesale, port rules are re-applied with check-before-insert
// and port rules owned by ids no longer present are deleted. Failures are
// collected; the remaining work still runs.
func (a *Adapter) Resync(ctx context.Context, rules []store.FirewallRule, cidrs []store.CidrRule) error {
	type target struct {
		spec    setSpec
		members []string
	}
	targets := map[string]*target{}
	add := func(kind setKind, f family, member string) {
		s := a.opts.set(kind, f)
		t, ok := targets[s.name]
		if !ok {
			t = &target{spec: s}
			targets[s.name] = t
		}
		if member != "" {
			t.members = append(t.members, member)
		}
	}

	// IPv4 sets are always rebuilt so stale members are cleared. IPv6
	// sets are rebuilt whenever they exist, even with nothing to restore.
	add(addressSet, ipv4, "")
	add(networkSet, ipv4, "")
	existing := a.listSets(ctx)
	for _, kind := range []setKind{addressSet, networkSet} {
		if s := a.opts.set(kind, ipv6); existing[s.name] {
			add(kind, ipv6, "")
		}
	}

	var errs []error
	var portRules []store.FirewallRule
	keep := map[string]bool{}

	for _, r := range rules {
		addr, err := parseIP(r.IP)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.Port != nil {
			portRules = append(portRules, r)
			keep[r.ID] = true
			continue
		}
		add(addressSet, familyOf(addr), addr.String())
	}
	for _, c := range cidrs {
		if c.Type != store.TypeBlock {
			continue
		}
		p, err := ranges.ParsePrefix(c.CIDR)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidRule, err))
			continue
		}
		add(networkSet, familyOf(p.Addr()), p.String())
	}

	for _, t := range targets {
		if err := a.ensureSet(ctx, t.spec); err != nil {
			errs = append(errs, err)
			continue
		}
		err := a.runner.RunInput(ctx, setScript(t.spec, t.members), a.opts.IPSet, "restore", "-exist")
		a.record(a.opts.IPSet, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("restoring set %s: %w", t.spec.name, err))
			continue
		}
		a.logger.Info("set restored", "set", t.spec.name, "members", len(t.members))
	}

	for _, r := range portRules {
		if err := a.ApplyRule(ctx, r, true); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
	}

	if _, err := a.PruneStale(ctx, keep); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// listSets returns the names of the sets currently defined. A failed
// listing yields an empty result.
func (a *Adapter) listSets(ctx context.Context) map[string]bool {
	out, err := a.runner.Output(ctx, a.opts.IPSet, "list", "-n")
	a.record(a.opts.IPSet, err)
	if err != nil {
		a.logger.Warn("listing sets failed", "error", err)
		return nil
	}
	names := map[string]bool{}
	for _, name := range strings.Fields(string(out)) {
		names[name] = true
	}
	return names
}

// PruneStale deletes port rules tagged dm-rule-<id> whose id is not in
// keep. It returns the number of rules deleted.
func (a *Adapter) PruneStale(ctx context.Context, keep map[string]bool) (int, error) {
	removed := 0
	var errs []error

	for _, f := range []family{ipv4, ipv6} {
		save := a.opts.iptablesSave(f)
		out, err := a.runner.Output(ctx, save, "-t", "filter")
		a.record(save, err)
		if err != nil {
			if f == ipv4 {
				errs = append(errs, fmt.Errorf("reading %s: %w", save, err))
			}
			continue
		}

		for _, args := range staleRules(string(out), keep) {
			if err := a.run(ctx, a.opts.iptables(f), args...); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		a.logger.Info("pruned stale port rules", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// staleRules returns iptables -D argument lists for every "-A" line in an
// iptables-save dump owned by an id not in keep.
func staleRules(dump string, keep map[string]bool) [][]string {
	var out [][]string
	sc := bufio.NewScanner(strings.NewReader(dump))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "-A ") || !strings.Contains(line, ruleCommentPrefix) {
			continue
		}

		args := strings.Fields(line)
		id := ""
		for i, f := range args {
			f = strings.Trim(f, `"`)
			args[i] = f
			if strings.HasPrefix(f, ruleCommentPrefix) {
				id = strings.TrimPrefix(f, ruleCommentPrefix)
			}
		}
		if id == "" || keep[id] {
			continue
		}
		args[0] = "-D"
		out = append(out, args)
	}
	return out
}
