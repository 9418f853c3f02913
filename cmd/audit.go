package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"grimm.is/warden/internal/audit"
)

// AuditQuery selects events for RunAudit.
type AuditQuery struct {
	Action   string
	Resource string
	Since    time.Duration
	Limit    int
}

// RunAudit prints recorded packet filter changes, newest first.
func RunAudit(configFile string, q AuditQuery) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	trail, err := openAudit(cfg)
	if err != nil {
		return err
	}
	if trail == nil {
		return errors.New("audit trail is disabled in the configuration")
	}
	defer trail.Close()

	f := audit.Filter{Action: q.Action, Resource: q.Resource, Limit: q.Limit}
	if q.Since > 0 {
		f.Since = time.Now().Add(-q.Since)
	}
	events, err := trail.Query(context.Background(), f)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		Printer.Fprintln(stdout, "No audit events.")
		return nil
	}
	Printer.Fprint(stdout, renderAudit(events)+"\n")
	Printer.Fprintf(stdout, "%d events\n", len(events))
	return nil
}

func renderAudit(events []audit.Event) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "ACTION", "RESOURCE", "DETAILS")
	for _, e := range events {
		t.Row(e.Timestamp.Local().Format(time.DateTime), e.Action, e.Resource, formatDetails(e.Details))
	}
	return t.Render()
}

func formatDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
