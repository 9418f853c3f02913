package firewall

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RuleRow is one line of `iptables -L -n -v --line-numbers -x`.
type RuleRow struct {
	Num         int    `json:"num"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	Target      string `json:"target"`
	Protocol    string `json:"protocol"`
	Opt         string `json:"opt"`
	In          string `json:"in"`
	Out         string `json:"out"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Extra       string `json:"extra,omitempty"`
	// Managed is set for rules carrying a warden ownership comment.
	Managed bool `json:"managed"`
}

// ParseListing turns verbose iptables listing output into rows keyed by
// chain. Chains with no rules map to an empty slice.
func ParseListing(output string) map[string][]RuleRow {
	chains := make(map[string][]RuleRow)
	current := ""

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "Chain ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				current = fields[1]
				chains[current] = []RuleRow{}
			}
			continue
		}
		if current == "" || strings.HasPrefix(trimmed, "num ") {
			continue
		}

		if row, ok := parseRow(trimmed); ok {
			chains[current] = append(chains[current], row)
		}
	}
	return chains
}

func parseRow(line string) (RuleRow, bool) {
	f := strings.Fields(line)
	if len(f) < 9 {
		return RuleRow{}, false
	}
	num, err := strconv.Atoi(f[0])
	if err != nil {
		return RuleRow{}, false
	}
	pkts, err1 := strconv.ParseUint(f[1], 10, 64)
	bytes, err2 := strconv.ParseUint(f[2], 10, 64)
	if err1 != nil || err2 != nil {
		return RuleRow{}, false
	}

	rest := f[3:]
	row := RuleRow{Num: num, Packets: pkts, Bytes: bytes}

	// A rule without -j has an empty target column: the opt column then
	// sits where the protocol would be.
	if isOpt(rest[1]) {
		rest = append([]string{""}, rest...)
	}
	if len(rest) < 7 {
		return RuleRow{}, false
	}
	row.Target, row.Protocol, row.Opt = rest[0], rest[1], rest[2]
	row.In, row.Out, row.Source, row.Destination = rest[3], rest[4], rest[5], rest[6]
	row.Extra = strings.Join(rest[7:], " ")
	row.Managed = strings.Contains(row.Extra, "dm-")
	return row, true
}

func isOpt(s string) bool {
	return s == "--" || s == "-f" || s == "!f"
}

// swarmChains are Docker Swarm internals that must not be replayed outside
// Swarm's own lifecycle.
var swarmChains = []string{"DOCKER-INGRESS", "DOCKER-ISOLATION"}

// FilterSwarmNoise drops every line of an iptables-save dump that mentions
// a Swarm ingress or isolation chain.
func FilterSwarmNoise(dump string) string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(dump))
	for sc.Scan() {
		line := sc.Text()
		noisy := false
		for _, c := range swarmChains {
			if strings.Contains(line, c) {
				noisy = true
				break
			}
		}
		if !noisy {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Ruleset returns the IPv4 filter table parsed into rows per chain.
func (a *Adapter) Ruleset(ctx context.Context) (map[string][]RuleRow, error) {
	bin := a.opts.IPTables
	out, err := a.runner.Output(ctx, bin, "-L", "-n", "-v", "--line-numbers", "-x")
	a.record(bin, err)
	if err != nil {
		return nil, fmt.Errorf("listing ruleset: %w", err)
	}
	return ParseListing(string(out)), nil
}

// RawDump returns iptables-save output without Swarm noise.
func (a *Adapter) RawDump(ctx context.Context) (string, error) {
	bin := a.opts.IPTablesSave
	out, err := a.runner.Output(ctx, bin)
	a.record(bin, err)
	if err != nil {
		return "", fmt.Errorf("dumping ruleset: %w", err)
	}
	return FilterSwarmNoise(string(out)), nil
}
