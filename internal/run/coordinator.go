// Package run holds the per-invocation coordinator: one blackout check, one
// terminal session, one classification, and exactly one wake-arming call
// regardless of what happened before it.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/wakedeck/wakedeck/internal/classify"
	"github.com/wakedeck/wakedeck/internal/config"
	"github.com/wakedeck/wakedeck/internal/driver"
	"github.com/wakedeck/wakedeck/internal/logging"
	"github.com/wakedeck/wakedeck/internal/runlog"
	"github.com/wakedeck/wakedeck/internal/schedule"
	"github.com/wakedeck/wakedeck/internal/tmux"
)

var runLog = logging.ForComponent(logging.CompRun)

// Coordinator executes one run. All collaborators are injectable; the zero
// seams are filled in by New with the real implementations.
type Coordinator struct {
	Config *config.Config
	Log    *runlog.Log
	Armer  schedule.Armer

	// NewTerminal creates the run's single terminal session.
	NewTerminal func() driver.Terminal

	// Ping provokes a fresh usage window; binPath is the resolved target
	// binary. Nil means the real pty-backed pinger.
	Ping func(ctx context.Context, binPath string) error

	// Now, LookPath and CheckTmux are seams for tests.
	Now       func() time.Time
	LookPath  func(file string) (string, error)
	CheckTmux func() error
}

// New wires a coordinator with the real collaborators.
func New(cfg *config.Config, log *runlog.Log) *Coordinator {
	return &Coordinator{
		Config: cfg,
		Log:    log,
		Armer:  schedule.PmsetArmer{},
		NewTerminal: func() driver.Terminal {
			return tmux.NewSession("")
		},
		Now:       time.Now,
		LookPath:  exec.LookPath,
		CheckTmux: tmux.IsTmuxAvailable,
	}
}

// Run performs one full invocation. It never returns an error: every failure
// is converted to log lines, and the scheduling step runs unconditionally so
// a bad run can never break the wake chain.
func (c *Coordinator) Run(ctx context.Context) {
	c.Log.Line("run started")
	defer c.Log.Line("run finished")
	defer c.scheduleNext()

	now := c.Now()
	if c.Config.SkipHours[now.Hour()] {
		c.Log.Line("hour %02d is in skip hours (%s); skipping session check",
			now.Hour(), config.SkipHoursString(c.Config.SkipHours))
		runLog.Info("skip_hour", slog.Int("hour", now.Hour()))
		return
	}

	if err := c.checkSession(ctx); err != nil {
		c.Log.Line("session check failed: %v", err)
		runLog.Warn("session_check_failed", slog.String("error", err.Error()))
	}
}

// checkSession is the interactive portion: preconditions, the session
// driver, classification, and the fallback ping.
func (c *Coordinator) checkSession(ctx context.Context) error {
	c.augmentPath()

	binPath, err := c.LookPath(c.Config.Target.Binary)
	if err != nil {
		return fmt.Errorf("target binary %q not found on PATH: %w", c.Config.Target.Binary, err)
	}
	if err := c.CheckTmux(); err != nil {
		return fmt.Errorf("terminal multiplexer unavailable: %w", err)
	}

	markers, err := driver.CompileMarkers(c.Config.Markers)
	if err != nil {
		return err
	}
	classifier, err := classify.New(c.Config.Markers.Active)
	if err != nil {
		return err
	}

	term := c.NewTerminal()
	d := driver.New(term, markers, c.Config.Timeouts,
		buildLaunchCommand(binPath, c.Config.Target.Env),
		c.Config.Target.StatusCommand)

	capture, err := d.Run(ctx)
	if err != nil {
		return err
	}

	status := classifier.Classify(capture)
	if status.Active {
		c.Log.Line("session active: %s", status.Summary)
		runLog.Info("session_active", slog.String("summary", status.Summary))
		return nil
	}

	grace := time.Duration(c.Config.Target.PingGraceSecs) * time.Second
	c.Log.Line("no active session; pinging %s (%s grace)", c.Config.Target.Binary, grace)
	runLog.Info("session_inactive_pinging", slog.Duration("grace", grace))

	ping := c.Ping
	if ping == nil {
		ping = func(ctx context.Context, binPath string) error {
			p := &classify.Pinger{
				Binary: binPath,
				Prompt: c.Config.Target.PingPrompt,
				Grace:  grace,
				Env:    mergedEnviron(c.Config.Target.Env),
			}
			return p.Ping(ctx)
		}
	}
	if err := ping(ctx, binPath); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	c.Log.Line("ping sent; next run will verify the new session")
	return nil
}

// scheduleNext computes and arms the next wake. This runs on every exit path
// of Run, including panics in the interactive portion.
func (c *Coordinator) scheduleNext() {
	next, err := schedule.NextWake(c.Now(), c.Config.IntervalMinutes, c.Config.SkipHours)
	if err != nil {
		if errors.Is(err, schedule.ErrSearchExhausted) {
			c.Log.Line("warning: no allowed wake slot within 24 hours; wake not armed (check skip-hours)")
		} else {
			c.Log.Line("warning: wake computation failed: %v", err)
		}
		runLog.Warn("next_wake_not_found", slog.String("error", err.Error()))
		return
	}

	if err := c.Armer.Arm(next); err != nil {
		c.Log.Line("warning: %v", err)
		runLog.Warn("wake_arm_failed", slog.String("error", err.Error()))
		return
	}
	c.Log.Line("next wake armed for %s", next.Format("2006-01-02 15:04:05"))
}

// augmentPath prepends the configured install dirs to PATH. The invoking
// scheduler supplies a minimal environment, so without this neither the
// target binary nor tmux may be findable.
func (c *Coordinator) augmentPath() {
	extra := c.Config.Target.ExtraPathDirs
	if len(extra) == 0 {
		return
	}
	path := os.Getenv("PATH")
	var missing []string
	for _, dir := range extra {
		if !strings.Contains(":"+path+":", ":"+dir+":") {
			missing = append(missing, dir)
		}
	}
	if len(missing) == 0 {
		return
	}
	os.Setenv("PATH", strings.Join(missing, ":")+":"+path)
}

// buildLaunchCommand renders the shell command that boots the target inside
// the session, with the configured env overrides applied up front.
func buildLaunchCommand(binPath string, env map[string]string) string {
	if len(env) == 0 {
		return shellQuote(binPath)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{"env"}
	for _, k := range keys {
		parts = append(parts, k+"="+shellQuote(env[k]))
	}
	parts = append(parts, shellQuote(binPath))
	return strings.Join(parts, " ")
}

// mergedEnviron applies overrides on top of the current environment.
func mergedEnviron(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		prefix := k + "="
		replaced := false
		for i, kv := range env {
			if strings.HasPrefix(kv, prefix) {
				env[i] = prefix + v
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, prefix+v)
		}
	}
	return env
}

// shellQuote single-quotes s when it contains anything a shell would chew on.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
