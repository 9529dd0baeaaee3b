package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/wakedeck/wakedeck/internal/logging"
)

var schedLog = logging.ForComponent(logging.CompSched)

// ErrArmFailed wraps failures of the wake-arming collaborator. The usual
// cause is a missing sudoers entry for pmset; the install step prints the
// line to add.
var ErrArmFailed = errors.New("failed to arm hardware wake")

// pmsetTimeFormat is the timestamp layout pmset expects: MM/DD/YYYY HH:MM:SS.
const pmsetTimeFormat = "01/02/2006 15:04:05"

// Armer hands a wake instant to the power-management scheduler. Each call
// supersedes the previously armed wake (last writer wins).
type Armer interface {
	Arm(t time.Time) error
}

// PmsetArmer arms wakes through `pmset schedule wake`, which needs elevated
// privilege. sudo runs with -n so a missing sudoers entry fails immediately
// instead of hanging a headless run on a password prompt.
type PmsetArmer struct{}

func (PmsetArmer) Arm(t time.Time) error {
	stamp := t.Local().Format(pmsetTimeFormat)
	cmd := exec.Command("sudo", "-n", "pmset", "schedule", "wake", stamp)
	output, err := cmd.CombinedOutput()
	if err != nil {
		schedLog.Warn("pmset_schedule_failed",
			slog.String("wake_at", stamp),
			slog.String("output", string(output)),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: pmset schedule wake %q: %v (run `wakedeck install` for the sudoers setup)", ErrArmFailed, stamp, err)
	}
	schedLog.Info("wake_armed", slog.String("wake_at", stamp))
	return nil
}

// Scheduled returns the raw `pmset -g sched` output for the status command.
func Scheduled() (string, error) {
	output, err := exec.Command("pmset", "-g", "sched").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pmset -g sched: %w", err)
	}
	return string(output), nil
}
