package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"grimm.is/warden/internal/firewall"
)

var (
	managedStyle = lipgloss.NewStyle().Bold(true)
	headingStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// RunRuleset prints the live iptables ruleset, either as tables per chain
// or as an iptables-save dump without Swarm chains.
func RunRuleset(configFile string, raw bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, nil)

	runner := firewall.NewRealCommandRunner(cfg.Firewall.Timeout())
	adapter := firewall.NewAdapter(runner, firewall.OptionsFromConfig(cfg.Firewall), logger)
	ctx := context.Background()

	if raw {
		dump, err := adapter.RawDump(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, dump)
		return nil
	}

	chains, err := adapter.Ruleset(ctx)
	if err != nil {
		return err
	}
	Printer.Fprint(stdout, renderRuleset(chains))
	return nil
}

func renderRuleset(chains map[string][]firewall.RuleRow) string {
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for _, name := range names {
		rows := chains[name]
		out += headingStyle.Render(Printer.Sprintf("Chain %s (%d rules)", name, len(rows))) + "\n"
		if len(rows) == 0 {
			out += "\n"
			continue
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("#", "PKTS", "BYTES", "TARGET", "PROT", "SOURCE", "DESTINATION", "EXTRA").
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row >= 0 && row < len(rows) && rows[row].Managed {
					return managedStyle
				}
				return lipgloss.NewStyle()
			})
		for _, r := range rows {
			t.Row(
				fmt.Sprint(r.Num),
				Printer.Sprintf("%d", r.Packets),
				Printer.Sprintf("%d", r.Bytes),
				r.Target,
				r.Protocol,
				r.Source,
				r.Destination,
				r.Extra,
			)
		}
		out += t.Render() + "\n\n"
	}
	return out
}
