package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"grimm.is/warden/cmd"
	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		startFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")

		dryRun := startFlags.Bool("dry-run", false, "Log packet filter commands instead of running them")
		startFlags.BoolVar(dryRun, "n", false, "Dry run (short)")

		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile, *dryRun); err != nil {
			printer.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.DefaultConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}

		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "ruleset":
		rulesetFlags := flag.NewFlagSet("ruleset", flag.ExitOnError)
		configFile := rulesetFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		rulesetFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		raw := rulesetFlags.Bool("raw", false, "Print iptables-save output without Swarm chains")
		rulesetFlags.Parse(os.Args[2:])

		if err := cmd.RunRuleset(*configFile, *raw); err != nil {
			printer.Fprintf(os.Stderr, "Ruleset failed: %v\n", err)
			os.Exit(1)
		}

	case "audit":
		auditFlags := flag.NewFlagSet("audit", flag.ExitOnError)
		configFile := auditFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		auditFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		var q cmd.AuditQuery
		auditFlags.StringVar(&q.Action, "action", "", "Only show this action (block, unblock, jail, cidr_add, ...)")
		auditFlags.StringVar(&q.Resource, "ip", "", "Only show events for this address or CIDR")
		auditFlags.DurationVar(&q.Since, "since", 24*time.Hour, "How far back to look (0 for everything)")
		auditFlags.IntVar(&q.Limit, "limit", 100, "Maximum number of events")
		auditFlags.Parse(os.Args[2:])

		if err := cmd.RunAudit(*configFile, q); err != nil {
			printer.Fprintf(os.Stderr, "Audit failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "-v", "--version":
		printer.Printf("%s %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s - %s

Usage:
  %s start [-c config] [-n]     Run the daemon in the foreground
  %s check [-v] [config]        Validate a configuration file
  %s ruleset [-c config] [-raw] Show the live packet filter rules
  %s audit [-c config] [-action a] [-ip addr] [-since d]
                                Show the history of rule changes
  %s version                    Print version information

Default config: %s
`, brand.Name, brand.Description,
		brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName,
		brand.DefaultConfigPath())
}
