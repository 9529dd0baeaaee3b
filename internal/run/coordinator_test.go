package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakedeck/wakedeck/internal/config"
	"github.com/wakedeck/wakedeck/internal/driver"
	"github.com/wakedeck/wakedeck/internal/runlog"
)

type fakeTerminal struct {
	screens      []string
	history      string
	captureCalls int
	startErr     error
	sentKeys     []string
	enterCount   int
	killCount    int
}

func (f *fakeTerminal) Start(command string) error { return f.startErr }
func (f *fakeTerminal) SendKeys(keys string) error {
	f.sentKeys = append(f.sentKeys, keys)
	return nil
}
func (f *fakeTerminal) SendEnter() error { f.enterCount++; return nil }
func (f *fakeTerminal) CapturePane() (string, error) {
	i := f.captureCalls
	f.captureCalls++
	if len(f.screens) == 0 {
		return "", nil
	}
	if i >= len(f.screens) {
		i = len(f.screens) - 1
	}
	return f.screens[i], nil
}
func (f *fakeTerminal) CaptureFullHistory() (string, error) { return f.history, nil }
func (f *fakeTerminal) Kill() error                         { f.killCount++; return nil }

type fakeArmer struct {
	calls []time.Time
	err   error
}

func (f *fakeArmer) Arm(t time.Time) error {
	f.calls = append(f.calls, t)
	return f.err
}

type fixture struct {
	coord     *Coordinator
	armer     *fakeArmer
	term      *fakeTerminal
	terminals int
	pings     int
	logPath   string
	fixedNow  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Timeouts = config.TimeoutConfig{BootSecs: 1, TrustSecs: 1, ConfirmHintSecs: 1, StatusPanelSecs: 1}
	cfg.Target.ExtraPathDirs = nil

	logPath := filepath.Join(t.TempDir(), "wakedeck.log")
	log, err := runlog.Open(logPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	fx := &fixture{
		armer:    &fakeArmer{},
		logPath:  logPath,
		fixedNow: time.Date(2025, 6, 15, 10, 30, 0, 0, time.Local),
		term: &fakeTerminal{
			screens: []string{"❯ ", "❯ /usage\nCurrent session: 34% used"},
			history: "❯ /usage\nCurrent session: 34% used",
		},
	}
	fx.coord = &Coordinator{
		Config: cfg,
		Log:    log,
		Armer:  fx.armer,
		NewTerminal: func() driver.Terminal {
			fx.terminals++
			return fx.term
		},
		Ping: func(ctx context.Context, binPath string) error {
			fx.pings++
			return nil
		},
		Now:       func() time.Time { return fx.fixedNow },
		LookPath:  func(string) (string, error) { return "/usr/local/bin/claude", nil },
		CheckTmux: func() error { return nil },
	}
	return fx
}

func (fx *fixture) logContents(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(fx.logPath)
	require.NoError(t, err)
	return string(data)
}

func TestRunActiveSession(t *testing.T) {
	fx := newFixture(t)
	fx.coord.Run(context.Background())

	assert.Equal(t, 1, fx.terminals)
	assert.Zero(t, fx.pings, "active session must not be pinged")
	require.Len(t, fx.armer.calls, 1)

	out := fx.logContents(t)
	assert.Contains(t, out, "session active: Current session: 34% used")
	assert.Contains(t, out, "run started")
	assert.Contains(t, out, "run finished")
	assert.Contains(t, out, "next wake armed for 2025-06-15 11:30:00")
}

func TestRunInactiveSessionPings(t *testing.T) {
	fx := newFixture(t)
	fx.term.screens = []string{"❯ "}
	fx.term.history = "❯ /usage\nNo usage information available"

	fx.coord.Run(context.Background())

	assert.Equal(t, 1, fx.pings)
	require.Len(t, fx.armer.calls, 1)
	assert.Contains(t, fx.logContents(t), "no active session; pinging claude")
}

func TestRunSkipHour(t *testing.T) {
	fx := newFixture(t)
	fx.fixedNow = time.Date(2025, 6, 15, 4, 15, 0, 0, time.Local) // hour 4 in default skip set

	fx.coord.Run(context.Background())

	assert.Zero(t, fx.terminals, "no terminal session during a skip hour")
	assert.Zero(t, fx.pings)
	// Scheduling still happens: 05:15 is skipped, 06:15 is the slot.
	require.Len(t, fx.armer.calls, 1)
	assert.Equal(t, 6, fx.armer.calls[0].Hour())
	assert.Contains(t, fx.logContents(t), "skip hours")
}

func TestAlwaysSchedules(t *testing.T) {
	// Every simulated failure point still reaches the wake-arming call
	// exactly once.
	tests := []struct {
		name     string
		sabotage func(fx *fixture)
	}{
		{"binary missing", func(fx *fixture) {
			fx.coord.LookPath = func(string) (string, error) { return "", errors.New("not found") }
		}},
		{"tmux missing", func(fx *fixture) {
			fx.coord.CheckTmux = func() error { return errors.New("tmux not installed") }
		}},
		{"boot timeout", func(fx *fixture) {
			fx.term.screens = []string{"starting up..."}
		}},
		{"trust timeout", func(fx *fixture) {
			fx.term.screens = []string{"Quick safety check\nPress Enter to confirm"}
		}},
		{"session start failure", func(fx *fixture) {
			fx.term.startErr = errors.New("new-session failed")
		}},
		{"ping failure", func(fx *fixture) {
			fx.term.screens = []string{"❯ "}
			fx.term.history = "nothing useful"
			fx.coord.Ping = func(context.Context, string) error { return errors.New("ping exploded") }
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			tt.sabotage(fx)

			fx.coord.Run(context.Background())

			assert.Len(t, fx.armer.calls, 1, "wake must be armed exactly once")
			out := fx.logContents(t)
			assert.Contains(t, out, "run finished")
		})
	}
}

func TestRunStatusPanelTimeoutStillClassifies(t *testing.T) {
	// Prompt appears but the usage panel never renders; the partial capture
	// still goes through classification.
	fx := newFixture(t)
	fx.term.screens = []string{"❯ "}
	fx.term.history = "❯ /usage\nResets 12pm (PST)"

	fx.coord.Run(context.Background())

	assert.Zero(t, fx.pings, "marker in partial capture means active")
	assert.Contains(t, fx.logContents(t), "session active: Resets 12pm (PST)")
}

func TestRunArmFailureIsWarning(t *testing.T) {
	fx := newFixture(t)
	fx.armer.err = errors.New("sudo: a password is required")

	fx.coord.Run(context.Background())

	require.Len(t, fx.armer.calls, 1)
	out := fx.logContents(t)
	assert.Contains(t, out, "warning")
	assert.Contains(t, out, "run finished")
}

func TestRunSearchExhausted(t *testing.T) {
	fx := newFixture(t)
	all := make(map[int]bool)
	for h := 0; h < 24; h++ {
		all[h] = true
	}
	fx.coord.Config.SkipHours = all

	fx.coord.Run(context.Background())

	assert.Empty(t, fx.armer.calls, "exhausted search must not arm a wake")
	assert.Contains(t, fx.logContents(t), "no allowed wake slot within 24 hours")
}

func TestBuildLaunchCommand(t *testing.T) {
	tests := []struct {
		name string
		bin  string
		env  map[string]string
		want string
	}{
		{"no env", "/usr/local/bin/claude", nil, "/usr/local/bin/claude"},
		{"nested guard override", "/usr/local/bin/claude",
			map[string]string{"TMUX": ""},
			"env TMUX='' /usr/local/bin/claude"},
		{"sorted keys", "claude",
			map[string]string{"B": "2", "A": "1"},
			"env A=1 B=2 claude"},
		{"quoting", "claude",
			map[string]string{"X": "a b"},
			"env X='a b' claude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildLaunchCommand(tt.bin, tt.env))
		})
	}
}

func TestMergedEnviron(t *testing.T) {
	t.Setenv("WAKEDECK_TEST_VAR", "original")

	env := mergedEnviron(map[string]string{
		"WAKEDECK_TEST_VAR":   "overridden",
		"WAKEDECK_TEST_EXTRA": "added",
	})

	assert.Contains(t, env, "WAKEDECK_TEST_VAR=overridden")
	assert.Contains(t, env, "WAKEDECK_TEST_EXTRA=added")
	assert.NotContains(t, env, "WAKEDECK_TEST_VAR=original")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "/usr/bin/claude", shellQuote("/usr/bin/claude"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
}
