package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/wakedeck/wakedeck/internal/classify"
	"github.com/wakedeck/wakedeck/internal/config"
	"github.com/wakedeck/wakedeck/internal/installer"
	"github.com/wakedeck/wakedeck/internal/logging"
	"github.com/wakedeck/wakedeck/internal/run"
	"github.com/wakedeck/wakedeck/internal/runlog"
	"github.com/wakedeck/wakedeck/internal/schedule"
)

const Version = "0.3.1"

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		handleRun(args)
	case "ping":
		handlePing(args)
	case "install":
		handleInstall(args)
	case "uninstall":
		handleUninstall(args)
	case "status":
		handleStatus(args)
	case "config":
		handleConfig(args)
	case "version", "--version", "-v":
		fmt.Printf("wakedeck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
}

// stateDir resolves ~/.wakedeck, creating it if needed.
func stateDir() string {
	dir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return dir
}

// loadConfig loads the effective config, falling back to defaults on error
// so commands that must not die (run) can proceed.
func loadConfig(dir string) *config.Config {
	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v; using defaults\n", err)
		logging.Logger().Warn("config_load_failed", "error", err.Error())
		return config.Default()
	}
	return cfg
}

// handleRun is one supervisor-triggered invocation. It always exits 0: the
// supervisor must see a failed run exactly like a successful one, or the
// wake chain breaks.
func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)

	dir := stateDir()
	cfg := loadConfigWithLogging(dir)
	defer logging.Shutdown()

	log, err := runlog.Open(filepath.Join(dir, config.RunLogFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		log = runlog.Discard()
	}
	defer log.Close()

	run.New(cfg, log).Run(context.Background())
}

// loadConfigWithLogging initializes logging from the loaded config. Two
// passes: logging needs the level from config, config load failures need a
// logger. The first pass discards, the second binds for real.
func loadConfigWithLogging(dir string) *config.Config {
	cfg := loadConfig(dir)
	logging.Init(logging.Config{
		LogDir: dir,
		Level:  cfg.LogLevel,
	})
	return cfg
}

// handlePing fires the fallback interaction by hand, for testing a fresh
// install without waiting for an inactive window.
func handlePing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	fs.Parse(args)

	dir := stateDir()
	cfg := loadConfigWithLogging(dir)
	defer logging.Shutdown()

	binPath := cfg.Target.Binary
	fmt.Printf("Pinging %s for %ds...\n", binPath, cfg.Target.PingGraceSecs)
	p := &classify.Pinger{
		Binary: binPath,
		Prompt: cfg.Target.PingPrompt,
		Grace:  time.Duration(cfg.Target.PingGraceSecs) * time.Second,
	}
	if err := p.Ping(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Done.")
}

func handleInstall(args []string) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	interval := fs.Int("interval", config.DefaultIntervalMinutes, "minutes between checks")
	skipHours := fs.String("skip-hours", config.SkipHoursString(defaultSkipSet()), "comma-separated hours (0-23) to skip, e.g. \"3,4,5\"")
	noActivate := fs.Bool("no-activate", false, "write files but skip launchctl load")
	fs.Parse(args)

	skip, err := config.ParseSkipHours(*skipHours)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --skip-hours: %v\n", err)
		os.Exit(1)
	}

	plistPath, err := installer.Install(installer.Options{
		IntervalMinutes: *interval,
		SkipHours:       skip,
		NoActivate:      *noActivate,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Install failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Installed %s\n", plistPath)
	fmt.Printf("Checking every %d minutes, skipping hours: %s\n", *interval, *skipHours)
	fmt.Println()
	fmt.Println("pmset needs passwordless sudo to arm wakes. Add via `sudo visudo`:")
	fmt.Printf("  %s\n", installer.SudoersHint)
}

func handleUninstall(args []string) {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also remove config and logs")
	fs.Parse(args)

	if err := installer.Uninstall("", "", *purge); err != nil {
		fmt.Fprintf(os.Stderr, "Uninstall failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Uninstalled.")
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	lines := fs.Int("n", 15, "run log lines to show")
	fs.Parse(args)

	dir := stateDir()
	fancy := term.IsTerminal(int(os.Stdout.Fd()))

	if fancy {
		fmt.Println("── recent runs ──")
	}
	printLogTail(filepath.Join(dir, config.RunLogFileName), *lines)

	if fancy {
		fmt.Println("── scheduled wakes ──")
	}
	sched, err := schedule.Scheduled()
	if err != nil {
		fmt.Printf("(power schedule unavailable: %v)\n", err)
		return
	}
	fmt.Print(sched)
}

func handleConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	fs.Parse(args)

	dir := stateDir()
	cfg := loadConfig(dir)

	fmt.Printf("state dir:        %s\n", dir)
	fmt.Printf("interval:         %d minutes\n", cfg.IntervalMinutes)
	fmt.Printf("skip hours:       %s\n", orNone(config.SkipHoursString(cfg.SkipHours)))
	fmt.Printf("target binary:    %s\n", cfg.Target.Binary)
	fmt.Printf("status command:   %s\n", cfg.Target.StatusCommand)
	fmt.Printf("ping grace:       %ds\n", cfg.Target.PingGraceSecs)
	fmt.Printf("extra PATH dirs:  %s\n", strings.Join(cfg.Target.ExtraPathDirs, ", "))
}

func printLogTail(path string, n int) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("(no run log yet at %s)\n", path)
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

func defaultSkipSet() map[int]bool {
	m := make(map[int]bool, len(config.DefaultSkipHours))
	for _, h := range config.DefaultSkipHours {
		m[h] = true
	}
	return m
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func printHelp() {
	fmt.Println(`wakedeck - keeps an AI CLI's usage window warm across sleep/wake cycles

Usage:
  wakedeck [command] [flags]

Commands:
  run         Perform one check cycle and arm the next wake (default)
  ping        Fire the fallback interaction at the target once
  install     Write config and load the launchd agent
  uninstall   Unload and remove the launchd agent (--purge removes config too)
  status      Show recent run log lines and the pmset wake schedule
  config      Print the effective configuration
  version     Print the version
  help        Show this help

Install flags:
  --interval n       minutes between checks (default 60)
  --skip-hours list  hours to black out, e.g. "3,4,5"
  --no-activate      write files but skip launchctl

The run command always exits 0: the launchd agent must treat failed and
successful runs identically so the wake chain survives bad runs.`)
}
