package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/wakedeck/wakedeck/internal/config"
	"github.com/wakedeck/wakedeck/internal/logging"
	"github.com/wakedeck/wakedeck/internal/tmux"
)

var drvLog = logging.ForComponent(logging.CompDriver)

// Sentinel errors for the two fatal driver outcomes. A status-panel timeout
// is deliberately not an error: the driver degrades to capturing whatever is
// on screen.
var (
	ErrBootTimeout  = errors.New("target did not reach a prompt or trust dialog in time")
	ErrTrustTimeout = errors.New("target did not reach a prompt after trust confirmation")
)

// State is the driver's position in its startup/trust/prompt walk.
type State int

const (
	StateCreated State = iota
	StateBooting
	StateTrustPending
	StateReady
	StateCaptured
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBooting:
		return "booting"
	case StateTrustPending:
		return "trust-pending"
	case StateReady:
		return "ready"
	case StateCaptured:
		return "captured"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal is the multiplexer capability the driver needs. *tmux.Session
// satisfies it; tests substitute a scripted fake so no real tmux runs.
type Terminal interface {
	Start(command string) error
	SendKeys(keys string) error
	SendEnter() error
	CapturePane() (string, error)
	CaptureFullHistory() (string, error)
	Kill() error
}

// Markers holds the compiled screen patterns. All are case-insensitive.
type Markers struct {
	Ready       *regexp.Regexp
	Trust       *regexp.Regexp
	ConfirmHint *regexp.Regexp
	StatusPanel *regexp.Regexp
}

// CompileMarkers compiles the configured marker sources case-insensitively.
func CompileMarkers(mc config.MarkerConfig) (*Markers, error) {
	compile := func(name, src string) (*regexp.Regexp, error) {
		re, err := regexp.Compile(`(?i)` + src)
		if err != nil {
			return nil, fmt.Errorf("marker %s (%q): %w", name, src, err)
		}
		return re, nil
	}

	var m Markers
	var err error
	if m.Ready, err = compile("ready", mc.Ready); err != nil {
		return nil, err
	}
	if m.Trust, err = compile("trust", mc.Trust); err != nil {
		return nil, err
	}
	if m.ConfirmHint, err = compile("confirm_hint", mc.ConfirmHint); err != nil {
		return nil, err
	}
	if m.StatusPanel, err = compile("active", mc.Active); err != nil {
		return nil, err
	}
	return &m, nil
}

// Driver walks one terminal session through boot, the optional trust dialog,
// and the status query, then captures the full scrollback.
type Driver struct {
	term          Terminal
	markers       *Markers
	timeouts      config.TimeoutConfig
	launchCommand string
	statusCommand string

	// settleDelay separates the two acknowledgement keystrokes; shortened
	// in tests.
	settleDelay time.Duration

	state State
}

// New builds a driver over term. launchCommand boots the target inside the
// session; statusCommand surfaces its usage panel.
func New(term Terminal, markers *Markers, timeouts config.TimeoutConfig, launchCommand, statusCommand string) *Driver {
	return &Driver{
		term:          term,
		markers:       markers,
		timeouts:      timeouts,
		launchCommand: launchCommand,
		statusCommand: statusCommand,
		settleDelay:   300 * time.Millisecond,
		state:         StateCreated,
	}
}

// State returns the driver's current state.
func (d *Driver) State() State {
	return d.state
}

func (d *Driver) transition(to State) {
	drvLog.Debug("state_transition",
		slog.String("from", d.state.String()),
		slog.String("to", to.String()))
	d.state = to
}

// Run executes the full walk and returns the captured scrollback text.
// The session is destroyed before Run returns on every path, success or not.
func (d *Driver) Run(ctx context.Context) (string, error) {
	if err := d.term.Start(d.launchCommand); err != nil {
		d.transition(StateFailed)
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	defer func() {
		if err := d.term.Kill(); err != nil {
			drvLog.Warn("session_kill_failed", slog.String("error", err.Error()))
		}
	}()

	d.transition(StateBooting)
	bootMarker := eitherPattern(d.markers.Ready, d.markers.Trust)
	if !tmux.WaitFor(ctx, d.term, bootMarker, secs(d.timeouts.BootSecs)) {
		d.transition(StateFailed)
		return "", ErrBootTimeout
	}

	screen, err := d.term.CapturePane()
	if err != nil {
		drvLog.Warn("post_boot_capture_failed", slog.String("error", err.Error()))
	}

	// Trust dialog showing without a prompt means a first launch in this
	// working directory; confirm it before anything else.
	if d.markers.Trust.MatchString(screen) && !d.markers.Ready.MatchString(screen) {
		d.transition(StateTrustPending)
		if err := d.confirmTrust(ctx); err != nil {
			d.transition(StateFailed)
			return "", err
		}
	}

	d.transition(StateReady)
	if err := d.queryStatus(ctx); err != nil {
		d.transition(StateFailed)
		return "", fmt.Errorf("failed to issue status command: %w", err)
	}

	if !tmux.WaitFor(ctx, d.term, d.markers.StatusPanel, secs(d.timeouts.StatusPanelSecs)) {
		// Non-fatal: capture whatever is on screen and let the classifier
		// decide.
		drvLog.Warn("status_panel_timeout",
			slog.Int("timeout_secs", d.timeouts.StatusPanelSecs))
	}

	capture, err := d.term.CaptureFullHistory()
	if err != nil {
		d.transition(StateFailed)
		return "", fmt.Errorf("failed to capture scrollback: %w", err)
	}
	d.transition(StateCaptured)

	d.transition(StateDone)
	return capture, nil
}

// confirmTrust waits briefly for the confirmation hint, sends the confirming
// keystroke, and waits for the prompt.
func (d *Driver) confirmTrust(ctx context.Context) error {
	if !tmux.WaitFor(ctx, d.term, d.markers.ConfirmHint, secs(d.timeouts.ConfirmHintSecs)) {
		drvLog.Debug("confirm_hint_not_seen")
	}
	if err := d.term.SendEnter(); err != nil {
		return fmt.Errorf("failed to confirm trust dialog: %w", err)
	}
	if !tmux.WaitFor(ctx, d.term, d.markers.Ready, secs(d.timeouts.TrustSecs)) {
		return ErrTrustTimeout
	}
	return nil
}

// queryStatus types the status command and submits it. The acknowledgement
// keystroke goes out twice with a settle delay between: the target's input
// layer intercepts the first Enter for autocomplete selection, so a single
// Enter would leave the command sitting unsubmitted in the input box.
func (d *Driver) queryStatus(ctx context.Context) error {
	if err := d.term.SendKeys(d.statusCommand); err != nil {
		return err
	}
	d.settle(ctx)
	if err := d.term.SendEnter(); err != nil {
		return err
	}
	d.settle(ctx)
	return d.term.SendEnter()
}

func (d *Driver) settle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.settleDelay):
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// eitherPattern combines two compiled patterns into one alternation.
func eitherPattern(a, b *regexp.Regexp) *regexp.Regexp {
	return regexp.MustCompile("(?:" + a.String() + ")|(?:" + b.String() + ")")
}
