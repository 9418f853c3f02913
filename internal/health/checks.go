package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/scheduler"
)

// staleFactor is how many intervals a task may miss before it is reported.
const staleFactor = 3

// TaskCheck reports the background workers. A failing or stalled worker
// degrades the report; no workers at all means the service never started.
func TaskCheck(clk clock.Clock, tasks func() []scheduler.TaskStatus) CheckFunc {
	if clk == nil {
		clk = clock.Real{}
	}
	return func(ctx context.Context) Check {
		statuses := tasks()
		if len(statuses) == 0 {
			return Check{Status: StatusUnhealthy, Message: "no workers registered"}
		}

		now := clk.Now()
		var failing, stalled []string
		for _, st := range statuses {
			if st.LastError != "" {
				failing = append(failing, st.ID)
			}
			if !st.LastRun.IsZero() && now.Sub(st.LastRun) > staleFactor*st.Interval {
				stalled = append(stalled, st.ID)
			}
		}
		sort.Strings(failing)
		sort.Strings(stalled)

		var problems []string
		if len(failing) > 0 {
			problems = append(problems, "failing: "+strings.Join(failing, ","))
		}
		if len(stalled) > 0 {
			problems = append(problems, "stalled: "+strings.Join(stalled, ","))
		}
		if len(problems) > 0 {
			return Check{Status: StatusDegraded, Message: strings.Join(problems, "; ")}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d workers", len(statuses))}
	}
}

// DirCheck verifies dir exists and is writable.
func DirCheck(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("not writable: %v", err)}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return Check{Status: StatusHealthy, Message: dir + " writable"}
	}
}

// BinaryCheck verifies that every named binary resolves on PATH.
func BinaryCheck(bins ...string) CheckFunc {
	return func(ctx context.Context) Check {
		var missing []string
		for _, bin := range bins {
			if _, err := exec.LookPath(bin); err != nil {
				missing = append(missing, bin)
			}
		}
		if len(missing) > 0 {
			return Check{Status: StatusUnhealthy, Message: "missing: " + strings.Join(missing, ",")}
		}
		return Check{Status: StatusHealthy, Message: strings.Join(bins, ",") + " found"}
	}
}

// PingCheck wraps a connectivity probe. Failures degrade rather than fail
// the report since enforcement does not depend on them.
func PingCheck(ping func(context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}
