// Package testutil holds helpers shared by tests that touch the host
// packet filter.
package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// VMEnv gates tests that modify the kernel packet filter.
const VMEnv = "WARDEN_VM_TEST"

// RequireVM skips the test unless WARDEN_VM_TEST is set, so ipset and
// iptables are only touched inside a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(VMEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", VMEnv)
	}
}

// RequireRoot skips the test when not running as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// RequireBinary skips the test when any of the binaries is not on PATH.
func RequireBinary(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("Skipping test: %s not found", name)
		}
	}
}
