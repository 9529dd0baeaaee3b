package classify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/wakedeck/wakedeck/internal/logging"
)

var pingLog = logging.ForComponent(logging.CompClassify)

// Pinger fires a short, throwaway interaction at the target program to make
// it open a fresh usage window. Its effect is only observable on a later
// run's status query; nothing it prints is parsed.
type Pinger struct {
	// Binary is the target executable (absolute path or on PATH).
	Binary string

	// Prompt is the trivial greeting typed into the target.
	Prompt string

	// Grace is how long the target may run before it is force-killed.
	Grace time.Duration

	// Env is the full environment for the subprocess. Nil inherits.
	Env []string

	// WorkDir is the subprocess working directory. Empty means a fresh
	// temp dir, so the target never touches a real project.
	WorkDir string
}

// Ping runs the target on a pseudo-terminal, types the greeting, and lets it
// run out its grace period. The target is an interactive TUI: without a pty
// it refuses to start, so a plain pipe won't do. Being killed at the
// deadline is the expected outcome, not a failure.
func (p *Pinger) Ping(ctx context.Context) error {
	workDir := p.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "wakedeck-ping-")
		if err != nil {
			return fmt.Errorf("failed to create ping workdir: %w", err)
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	ctx, cancel := context.WithTimeout(ctx, p.Grace)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Binary)
	cmd.Dir = workDir
	cmd.Env = p.Env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start ping subprocess: %w", err)
	}
	defer ptmx.Close()

	// Drain output so the target never blocks on a full pty buffer.
	go func() {
		_, _ = io.Copy(io.Discard, ptmx)
	}()

	// Give the TUI a moment to boot, then type the greeting. Carriage
	// return twice with a settle gap, same autocomplete quirk as the
	// session driver.
	typeDelay := p.Grace / 10
	if typeDelay > 2*time.Second {
		typeDelay = 2 * time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(typeDelay):
		_, _ = ptmx.Write([]byte(p.Prompt))
		time.Sleep(300 * time.Millisecond)
		_, _ = ptmx.Write([]byte("\r"))
		time.Sleep(300 * time.Millisecond)
		_, _ = ptmx.Write([]byte("\r"))
	}

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		pingLog.Info("ping_grace_elapsed",
			slog.String("binary", p.Binary),
			slog.Duration("grace", p.Grace))
		return nil
	}
	if err != nil {
		// The target exiting on its own (even unhappily) still achieved
		// the side effect we wanted; log and move on.
		pingLog.Debug("ping_subprocess_exit", slog.String("error", err.Error()))
	}
	return nil
}
