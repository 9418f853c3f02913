// Package cmd implements the warden subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/i18n"
	"grimm.is/warden/internal/logging"
)

// Printer formats CLI output for the user's locale.
var Printer = i18n.NewCLIPrinter()

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

// openAudit opens the audit trail in the data directory. It returns nil
// when the trail is disabled.
func openAudit(cfg *config.Config) (*audit.Store, error) {
	if cfg.Audit.Disabled {
		return nil, nil
	}
	return audit.Open(filepath.Join(cfg.DataDir, audit.FileName), cfg.Audit.RetentionPeriod(), nil)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the config and installs it as
// the default. A non-nil sink receives every audit event.
func newLogger(cfg *config.Config, sink logging.AuditSink) *logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.LogLevel)
	lc.JSON = cfg.LogJSON
	lc.Audit = sink
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger
}
