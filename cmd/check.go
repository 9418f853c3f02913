package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/chains"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s",
			brand.BinaryName, brand.BinaryName, brand.DefaultConfigPath())
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	evaluator := chains.NewEvaluator(cfg.RuleChains, logging.Discard())
	if disabled := evaluator.Disabled(); len(disabled) > 0 {
		return fmt.Errorf("configuration invalid: rule chains with bad patterns: %s", strings.Join(disabled, ", "))
	}

	Printer.Fprintf(stdout, "Configuration valid!\n")
	Printer.Fprintf(stdout, "Data dir: %s\n", cfg.DataDir)
	Printer.Fprintf(stdout, "Chains: %s, %s\n", cfg.Firewall.ContainerChain, cfg.Firewall.HostChain)
	Printer.Fprintf(stdout, "Sets: %s, %s\n", cfg.Firewall.AddressSet, cfg.Firewall.NetworkSet)
	Printer.Fprintf(stdout, "Auto-jail: %v after %d attempts for %d minutes\n",
		cfg.Jail.AutoJailEnabled(), cfg.Jail.MaxAttempts, cfg.Jail.DurationMinutes)
	if cfg.Audit.Disabled {
		Printer.Fprintf(stdout, "Audit trail: disabled\n")
	} else {
		Printer.Fprintf(stdout, "Audit trail: kept for %s\n", cfg.Audit.RetentionPeriod())
	}
	Printer.Fprintf(stdout, "Rule chains: %d\n", evaluator.Len())

	if verbose && len(cfg.RuleChains) > 0 {
		Printer.Fprintln(stdout)
		Printer.Fprintln(stdout, chainTable(cfg.RuleChains))
	}
	return nil
}

func chainTable(ruleChains []config.RuleChain) string {
	rows := make([][]string, 0, len(ruleChains))
	for _, c := range ruleChains {
		conds := make([]string, 0, len(c.Conditions))
		for _, cond := range c.Conditions {
			conds = append(conds, cond.Field+"~"+cond.Pattern)
		}
		minutes := "-"
		if c.Action == config.ActionJail {
			minutes = "default"
			if c.JailMinutes > 0 {
				minutes = fmt.Sprint(c.JailMinutes)
			}
		}
		state := "on"
		if c.Disabled {
			state = "off"
		}
		rows = append(rows, []string{c.Name, c.Action, minutes, state, strings.Join(conds, " & ")})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CHAIN", "ACTION", "JAIL MIN", "STATE", "CONDITIONS").
		Rows(rows...).
		Render()
}
