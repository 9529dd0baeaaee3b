// Package installer provisions the pieces the orchestrator itself assumes:
// the state directory, the two config value files, and the launchd agent
// that invokes `wakedeck run` on a fixed interval and keeps it resident
// across logout.
package installer

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/wakedeck/wakedeck/internal/config"
	"github.com/wakedeck/wakedeck/internal/logging"
)

var instLog = logging.ForComponent(logging.CompConfig)

// AgentLabel identifies the launchd agent.
const AgentLabel = "com.wakedeck.sync"

// SudoersHint is the line the user must add (via visudo) so pmset can arm
// wakes from a headless run. Printed, never written by us.
const SudoersHint = "%admin ALL=(ALL) NOPASSWD: /usr/bin/pmset"

// Options configures an install.
type Options struct {
	// IntervalMinutes between supervisor invocations; also written to the
	// interval value file.
	IntervalMinutes int

	// SkipHours written to the skip-hours value file.
	SkipHours map[int]bool

	// BinPath is the wakedeck executable the agent should invoke.
	BinPath string

	// StateDir overrides ~/.wakedeck (tests).
	StateDir string

	// AgentDir overrides ~/Library/LaunchAgents (tests).
	AgentDir string

	// NoActivate skips the launchctl load (tests, or manual management).
	NoActivate bool
}

// launchd needs an absolute PATH since agents get a minimal environment.
var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.BinPath}}</string>
		<string>run</string>
	</array>
	<key>StartInterval</key>
	<integer>{{.IntervalSecs}}</integer>
	<key>RunAtLoad</key>
	<true/>
	<key>EnvironmentVariables</key>
	<dict>
		<key>PATH</key>
		<string>/usr/local/bin:/opt/homebrew/bin:/usr/bin:/bin:/usr/sbin:/sbin</string>
	</dict>
	<key>StandardOutPath</key>
	<string>{{.StateDir}}/launchd.log</string>
	<key>StandardErrorPath</key>
	<string>{{.StateDir}}/launchd.log</string>
</dict>
</plist>
`))

type plistData struct {
	Label        string
	BinPath      string
	IntervalSecs int
	StateDir     string
}

// Install writes the state directory, value files, and launchd agent, then
// loads the agent. Returns the plist path.
func Install(opts Options) (string, error) {
	if opts.IntervalMinutes <= 0 {
		opts.IntervalMinutes = config.DefaultIntervalMinutes
	}
	if opts.SkipHours == nil {
		opts.SkipHours = map[int]bool{}
		for _, h := range config.DefaultSkipHours {
			opts.SkipHours[h] = true
		}
	}

	stateDir := opts.StateDir
	if stateDir == "" {
		dir, err := config.Dir()
		if err != nil {
			return "", err
		}
		stateDir = dir
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", stateDir, err)
	}

	if err := writeValueFiles(stateDir, opts.IntervalMinutes, opts.SkipHours); err != nil {
		return "", err
	}

	binPath := opts.BinPath
	if binPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("cannot locate own executable: %w", err)
		}
		binPath = exe
	}

	agentDir := opts.AgentDir
	if agentDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		agentDir = filepath.Join(home, "Library", "LaunchAgents")
	}
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", agentDir, err)
	}

	plistPath := filepath.Join(agentDir, AgentLabel+".plist")
	f, err := os.Create(plistPath)
	if err != nil {
		return "", fmt.Errorf("failed to write agent definition: %w", err)
	}
	err = plistTemplate.Execute(f, plistData{
		Label:        AgentLabel,
		BinPath:      binPath,
		IntervalSecs: opts.IntervalMinutes * 60,
		StateDir:     stateDir,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write agent definition: %w", err)
	}

	if !opts.NoActivate {
		// Reload if a previous install is live; load errors on a fresh
		// install when the agent was never loaded, so unload is best-effort.
		_ = exec.Command("launchctl", "unload", plistPath).Run()
		if output, err := exec.Command("launchctl", "load", "-w", plistPath).CombinedOutput(); err != nil {
			return plistPath, fmt.Errorf("launchctl load: %w (output: %s)", err, output)
		}
	}

	instLog.Info("installed",
		slog.String("plist", plistPath),
		slog.Int("interval_minutes", opts.IntervalMinutes))
	return plistPath, nil
}

func writeValueFiles(stateDir string, interval int, skip map[int]bool) error {
	intervalPath := filepath.Join(stateDir, config.IntervalFileName)
	if err := os.WriteFile(intervalPath, []byte(fmt.Sprintf("%d\n", interval)), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", intervalPath, err)
	}
	skipPath := filepath.Join(stateDir, config.SkipHoursFileName)
	if err := os.WriteFile(skipPath, []byte(config.SkipHoursString(skip)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", skipPath, err)
	}
	return nil
}

// Uninstall unloads and removes the launchd agent. With purge, the state
// directory (config, logs) goes too.
func Uninstall(agentDir, stateDir string, purge bool) error {
	if agentDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		agentDir = filepath.Join(home, "Library", "LaunchAgents")
	}
	plistPath := filepath.Join(agentDir, AgentLabel+".plist")

	if _, err := os.Stat(plistPath); err == nil {
		_ = exec.Command("launchctl", "unload", plistPath).Run()
		if err := os.Remove(plistPath); err != nil {
			return fmt.Errorf("failed to remove %s: %w", plistPath, err)
		}
	}

	if purge {
		if stateDir == "" {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			stateDir = dir
		}
		if err := os.RemoveAll(stateDir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", stateDir, err)
		}
	}

	instLog.Info("uninstalled", slog.String("plist", plistPath), slog.Bool("purge", purge))
	return nil
}
