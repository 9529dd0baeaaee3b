package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wakedeck/wakedeck/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

const (
	// DirName is the per-user state directory under $HOME.
	DirName = ".wakedeck"

	// ConfigFileName is the TOML config file for user preferences.
	ConfigFileName = "config.toml"

	// IntervalFileName and SkipHoursFileName are the single-value files
	// written by the installer. When present they override the TOML values;
	// they are the interface the supervisor-era shell tooling understood.
	IntervalFileName  = "interval-minutes"
	SkipHoursFileName = "skip-hours"

	// RunLogFileName is the flat append-only run log.
	RunLogFileName = "wakedeck.log"

	DefaultIntervalMinutes = 60
)

// DefaultSkipHours are the hours (local time) during which interactive runs
// are suppressed when the user has not configured anything. An absent
// skip-hours setting never means "no skip"; it means this default.
var DefaultSkipHours = []int{3, 4, 5}

// Config is the effective, immutable per-run configuration. Loaded once at
// run start and passed into each component; nothing re-reads files mid-run.
type Config struct {
	IntervalMinutes int
	SkipHours       map[int]bool

	Target   TargetConfig
	Markers  MarkerConfig
	Timeouts TimeoutConfig

	LogLevel string
}

// TargetConfig describes the CLI program being kept warm and how to reach it.
type TargetConfig struct {
	// Binary is the target program's executable name (default: "claude").
	Binary string `toml:"binary"`

	// StatusCommand surfaces the usage-summary panel (default: "/usage").
	StatusCommand string `toml:"status_command"`

	// PingPrompt is the trivial greeting fed to the target when no usage
	// window is active (default: "hi").
	PingPrompt string `toml:"ping_prompt"`

	// PingGraceSecs is how long the ping subprocess may run before it is
	// force-killed (default: 30).
	PingGraceSecs int `toml:"ping_grace_secs"`

	// ExtraPathDirs are prepended to PATH before locating the binary. The
	// invoking scheduler supplies a minimal environment, so the usual
	// install locations must be added back explicitly.
	ExtraPathDirs []string `toml:"extra_path_dirs"`

	// Env overrides applied when launching the target. The default clears
	// TMUX: the target refuses to start when it believes it is already
	// nested inside an existing multiplexer session.
	Env map[string]string `toml:"env"`
}

// MarkerConfig holds the case-insensitive regex sources scraped from the
// target's rendered screen. Overridable so a UI change doesn't need a rebuild.
type MarkerConfig struct {
	Ready       string `toml:"ready"`
	Trust       string `toml:"trust"`
	ConfirmHint string `toml:"confirm_hint"`
	Active      string `toml:"active"`
}

// TimeoutConfig bounds every wait in the session driver, in seconds.
type TimeoutConfig struct {
	BootSecs        int `toml:"boot_secs"`
	TrustSecs       int `toml:"trust_secs"`
	ConfirmHintSecs int `toml:"confirm_hint_secs"`
	StatusPanelSecs int `toml:"status_panel_secs"`
}

// fileConfig is the TOML shape of config.toml.
type fileConfig struct {
	IntervalMinutes int           `toml:"interval_minutes"`
	SkipHours       string        `toml:"skip_hours"`
	LogLevel        string        `toml:"log_level"`
	Target          TargetConfig  `toml:"target"`
	Markers         MarkerConfig  `toml:"markers"`
	Timeouts        TimeoutConfig `toml:"timeouts"`
}

// Dir returns the wakedeck state directory (~/.wakedeck).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	skip := make(map[int]bool, len(DefaultSkipHours))
	for _, h := range DefaultSkipHours {
		skip[h] = true
	}
	return &Config{
		IntervalMinutes: DefaultIntervalMinutes,
		SkipHours:       skip,
		Target: TargetConfig{
			Binary:        "claude",
			StatusCommand: "/usage",
			PingPrompt:    "hi",
			PingGraceSecs: 30,
			ExtraPathDirs: []string{"/usr/local/bin", "/opt/homebrew/bin"},
			Env:           map[string]string{"TMUX": ""},
		},
		Markers: MarkerConfig{
			Ready:       `❯`,
			Trust:       `quick|safety`,
			ConfirmHint: `Enter.*confirm`,
			Active:      `% used|resets `,
		},
		Timeouts: TimeoutConfig{
			BootSecs:        15,
			TrustSecs:       10,
			ConfirmHintSecs: 2,
			StatusPanelSecs: 20,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration from dir. Resolution order, later
// wins: built-in defaults, config.toml, then the two single-value files.
// A missing file is fine; a present-but-malformed file is an error.
func Load(dir string) (*Config, error) {
	cfg := Default()

	tomlPath := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(tomlPath); err == nil {
		var fc fileConfig
		if _, err := toml.DecodeFile(tomlPath, &fc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", tomlPath, err)
		}
		applyFileConfig(cfg, &fc)
	} else {
		cfgLog.Debug("config_toml_absent", slog.String("path", tomlPath))
	}

	if err := overlayIntervalFile(cfg, filepath.Join(dir, IntervalFileName)); err != nil {
		return nil, err
	}
	if err := overlaySkipHoursFile(cfg, filepath.Join(dir, SkipHoursFileName)); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.IntervalMinutes > 0 {
		cfg.IntervalMinutes = fc.IntervalMinutes
	}
	if fc.SkipHours != "" {
		if skip, err := ParseSkipHours(fc.SkipHours); err == nil {
			cfg.SkipHours = skip
		} else {
			cfgLog.Warn("config_toml_skip_hours_invalid", slog.String("value", fc.SkipHours))
		}
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}

	if fc.Target.Binary != "" {
		cfg.Target.Binary = fc.Target.Binary
	}
	if fc.Target.StatusCommand != "" {
		cfg.Target.StatusCommand = fc.Target.StatusCommand
	}
	if fc.Target.PingPrompt != "" {
		cfg.Target.PingPrompt = fc.Target.PingPrompt
	}
	if fc.Target.PingGraceSecs > 0 {
		cfg.Target.PingGraceSecs = fc.Target.PingGraceSecs
	}
	if len(fc.Target.ExtraPathDirs) > 0 {
		cfg.Target.ExtraPathDirs = fc.Target.ExtraPathDirs
	}
	if len(fc.Target.Env) > 0 {
		cfg.Target.Env = fc.Target.Env
	}

	if fc.Markers.Ready != "" {
		cfg.Markers.Ready = fc.Markers.Ready
	}
	if fc.Markers.Trust != "" {
		cfg.Markers.Trust = fc.Markers.Trust
	}
	if fc.Markers.ConfirmHint != "" {
		cfg.Markers.ConfirmHint = fc.Markers.ConfirmHint
	}
	if fc.Markers.Active != "" {
		cfg.Markers.Active = fc.Markers.Active
	}

	if fc.Timeouts.BootSecs > 0 {
		cfg.Timeouts.BootSecs = fc.Timeouts.BootSecs
	}
	if fc.Timeouts.TrustSecs > 0 {
		cfg.Timeouts.TrustSecs = fc.Timeouts.TrustSecs
	}
	if fc.Timeouts.ConfirmHintSecs > 0 {
		cfg.Timeouts.ConfirmHintSecs = fc.Timeouts.ConfirmHintSecs
	}
	if fc.Timeouts.StatusPanelSecs > 0 {
		cfg.Timeouts.StatusPanelSecs = fc.Timeouts.StatusPanelSecs
	}
}

func overlayIntervalFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: want a positive integer, got %q", path, strings.TrimSpace(string(data)))
	}
	cfg.IntervalMinutes = n
	return nil
}

func overlaySkipHoursFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	skip, perr := ParseSkipHours(string(data))
	if perr != nil {
		return fmt.Errorf("%s: %w", path, perr)
	}
	cfg.SkipHours = skip
	return nil
}

// ParseSkipHours parses a comma-separated list of hours (0-23). An empty
// string means no skip hours at all, which is a valid explicit choice.
func ParseSkipHours(s string) (map[int]bool, error) {
	skip := make(map[int]bool)
	s = strings.TrimSpace(s)
	if s == "" {
		return skip, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		h, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid hour %q", part)
		}
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("hour %d out of range [0,23]", h)
		}
		skip[h] = true
	}
	return skip, nil
}

// SkipHoursString renders the skip set in the single-value file format.
func SkipHoursString(skip map[int]bool) string {
	hours := make([]int, 0, len(skip))
	for h := range skip {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = strconv.Itoa(h)
	}
	return strings.Join(parts, ",")
}

func (c *Config) validate() error {
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("interval_minutes must be positive, got %d", c.IntervalMinutes)
	}
	for h := range c.SkipHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("skip hour %d out of range [0,23]", h)
		}
	}
	if c.Target.Binary == "" {
		return fmt.Errorf("target binary must not be empty")
	}
	return nil
}
