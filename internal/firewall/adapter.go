package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/ranges"
	"grimm.is/warden/internal/store"
)

// ErrInvalidRule is returned for rules that cannot be rendered.
var ErrInvalidRule = errors.New("invalid rule")

// Adapter mirrors store rules into iptables and ipset.
type Adapter struct {
	runner  CommandRunner
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Registry

	// ensureMu serialises set creation and base rule checks; ensured
	// remembers sets whose base rules are known to be in place.
	ensureMu sync.Mutex
	ensured  map[string]bool
}

// NewAdapter creates an adapter. A nil runner executes real commands with
// the default timeout.
func NewAdapter(runner CommandRunner, opts Options, logger *logging.Logger) *Adapter {
	if runner == nil {
		runner = NewRealCommandRunner(DefaultCommandTimeout)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapter{
		runner:  runner,
		opts:    opts,
		logger:  logger.WithComponent("firewall"),
		metrics: metrics.Get(),
		ensured: make(map[string]bool),
	}
}

func (a *Adapter) record(bin string, err error) {
	result := metrics.ResultOK
	switch {
	case errors.Is(err, ErrCommandTimeout):
		result = metrics.ResultTimeout
	case err != nil:
		result = metrics.ResultError
	}
	a.metrics.RecordCommand(bin, result)
}

func (a *Adapter) run(ctx context.Context, bin string, args ...string) error {
	err := a.runner.Run(ctx, bin, args...)
	a.record(bin, err)
	if err != nil {
		a.logger.Warn("packet filter command failed", "cmd", bin+" "+strings.Join(args, " "), "error", err)
	}
	return err
}

// check runs an iptables -C. A non-zero exit means "absent" and is not
// logged; only a timeout is reported as an error.
func (a *Adapter) check(ctx context.Context, bin, chain string, spec []string) (bool, error) {
	err := a.runner.Run(ctx, bin, append([]string{"-C", chain}, spec...)...)
	if errors.Is(err, ErrCommandTimeout) {
		a.record(bin, err)
		return false, err
	}
	a.record(bin, nil)
	return err == nil, nil
}

func (a *Adapter) ensureRule(ctx context.Context, bin, chain string, spec []string) error {
	present, err := a.check(ctx, bin, chain, spec)
	if err != nil || present {
		return err
	}
	return a.run(ctx, bin, append([]string{"-I", chain, "1"}, spec...)...)
}

func (a *Adapter) removeRule(ctx context.Context, bin, chain string, spec []string) error {
	present, err := a.check(ctx, bin, chain, spec)
	if err != nil || !present {
		return err
	}
	return a.run(ctx, bin, append([]string{"-D", chain}, spec...)...)
}

// ensureSet creates the set and its base rules once per process.
func (a *Adapter) ensureSet(ctx context.Context, s setSpec) error {
	a.ensureMu.Lock()
	defer a.ensureMu.Unlock()

	if a.ensured[s.name] {
		return nil
	}

	if err := a.run(ctx, a.opts.IPSet, "create", s.name, s.typ, "family", s.family.String(), "-exist"); err != nil {
		return fmt.Errorf("creating set %s: %w", s.name, err)
	}

	var errs []error
	bin := a.opts.iptables(s.family)
	for _, chain := range a.opts.chains() {
		if err := a.ensureRule(ctx, bin, chain, s.baseRule()); err != nil {
			errs = append(errs, fmt.Errorf("base rule for %s in %s: %w", s.name, chain, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	a.ensured[s.name] = true
	a.logger.Debug("base rules ensured", "set", s.name)
	return nil
}

// Ensured reports whether base rules for the named set are cached.
func (a *Adapter) Ensured(set string) bool {
	a.ensureMu.Lock()
	defer a.ensureMu.Unlock()
	return a.ensured[set]
}

func parseIP(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: address %q", ErrInvalidRule, s)
	}
	return addr.Unmap().WithZone(""), nil
}

func protocols(p string) []string {
	switch strings.ToUpper(p) {
	case store.ProtocolTCP:
		return []string{"tcp"}
	case store.ProtocolUDP:
		return []string{"udp"}
	}
	return []string{"tcp", "udp"}
}

func portSpec(ip, proto string, port int, id string) []string {
	return []string{"-s", ip, "-p", proto, "--dport", strconv.Itoa(port),
		"-m", "comment", "--comment", RuleComment(id), "-j", "DROP"}
}

// ApplyRule adds or removes a firewall rule. Port rules become DROP rules
// in both chains; address-only rules become address set members.
func (a *Adapter) ApplyRule(ctx context.Context, rule store.FirewallRule, add bool) error {
	addr, err := parseIP(rule.IP)
	if err != nil {
		return err
	}
	fam := familyOf(addr)
	ip := addr.String()

	if rule.Port == nil {
		s := a.opts.set(addressSet, fam)
		if add {
			if err := a.ensureSet(ctx, s); err != nil {
				return err
			}
			return a.run(ctx, a.opts.IPSet, "add", s.name, ip, "-exist")
		}
		return a.run(ctx, a.opts.IPSet, "del", s.name, ip, "-exist")
	}

	port := *rule.Port
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidRule, port)
	}

	bin := a.opts.iptables(fam)
	var errs []error
	for _, proto := range protocols(rule.Protocol) {
		spec := portSpec(ip, proto, port, rule.ID)
		for _, chain := range a.opts.chains() {
			var err error
			if add {
				err = a.ensureRule(ctx, bin, chain, spec)
			} else {
				err = a.removeRule(ctx, bin, chain, spec)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ApplyCidrRule adds or removes a BLOCK network in the network set. ALLOW
// rules have no packet filter state.
func (a *Adapter) ApplyCidrRule(ctx context.Context, rule store.CidrRule, add bool) error {
	if rule.Type != store.TypeBlock {
		return nil
	}
	p, err := ranges.ParsePrefix(rule.CIDR)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	s := a.opts.set(networkSet, familyOf(p.Addr()))
	if add {
		if err := a.ensureSet(ctx, s); err != nil {
			return err
		}
		return a.run(ctx, a.opts.IPSet, "add", s.name, p.String(), "-exist")
	}
	return a.run(ctx, a.opts.IPSet, "del", s.name, p.String(), "-exist")
}
