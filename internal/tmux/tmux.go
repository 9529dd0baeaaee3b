package tmux

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wakedeck/wakedeck/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when CapturePane exceeds its timeout.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

const SessionPrefix = "wakedeck_"

// tmuxCommand builds a tmux invocation; swapped out in tests.
var tmuxCommand = func(args ...string) *exec.Cmd {
	return exec.Command("tmux", args...)
}

// Session geometry is fixed: wide enough that the target's usage panel never
// wraps, tall enough that the trust dialog and prompt fit on one screen.
const (
	SessionCols = 200
	SessionRows = 50
)

// IsTmuxAvailable checks if tmux is installed and accessible.
// Returns nil if tmux is available, otherwise returns an error with details.
func IsTmuxAvailable() error {
	cmd := tmuxCommand("-V")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, string(output))
	}
	return nil
}

// Session represents one detached tmux session. Each run owns exactly one:
// created at the start of the run, killed before the run ends.
type Session struct {
	Name    string
	WorkDir string
	Command string
	Created time.Time

	// CapturePane content is cached briefly; the pattern waiter polls at
	// 500ms and the classifier re-captures right after, so without a cache
	// every poll doubles the subprocess count.
	cacheMu      sync.RWMutex
	cacheContent string
	cacheTime    time.Time
	captureSf    singleflight.Group
}

const captureCacheTTL = 400 * time.Millisecond

// NewSession builds a session whose name embeds the invoking PID plus a
// random short id, so two overlapping runs can never collide on identity.
func NewSession(workDir string) *Session {
	return &Session{
		Name:    SessionPrefix + strconv.Itoa(os.Getpid()) + "_" + generateShortID(),
		WorkDir: workDir,
		Created: time.Now(),
	}
}

func generateShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fall back to a time-derived suffix; uniqueness still holds within
		// a run because the PID is part of the name.
		return strconv.FormatInt(time.Now().UnixNano()%0xffffffff, 16)
	}
	return hex.EncodeToString(b)
}

// Start creates the detached session at the fixed geometry and sends the
// launch command.
func (s *Session) Start(command string) error {
	s.Command = command
	s.invalidateCache()

	workDir := s.WorkDir
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}

	cmd := tmuxCommand("new-session", "-d",
		"-s", s.Name,
		"-c", workDir,
		"-x", strconv.Itoa(SessionCols),
		"-y", strconv.Itoa(SessionRows))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create tmux session: %w (output: %s)", err, string(output))
	}

	// Large scrollback: the usage panel may land well below the boot banner.
	_ = tmuxCommand("set-option", "-t", s.Name, "history-limit", "10000").Run()

	if command != "" {
		if err := s.SendKeysAndEnter(command); err != nil {
			// The session already exists at this point; destroy it so a
			// partial start never leaks a detached session.
			if kerr := s.Kill(); kerr != nil {
				tmuxLog.Warn("partial_start_kill_failed",
					slog.String("session", s.Name),
					slog.String("error", kerr.Error()))
			}
			return fmt.Errorf("failed to send launch command: %w", err)
		}
	}
	return nil
}

// Exists checks if the tmux session exists.
func (s *Session) Exists() bool {
	cmd := tmuxCommand("has-session", "-t", s.Name)
	return cmd.Run() == nil
}

// Kill destroys the tmux session.
func (s *Session) Kill() error {
	s.invalidateCache()
	cmd := tmuxCommand("kill-session", "-t", s.Name)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", s.Name, err)
	}
	return nil
}

// SendKeys sends literal text to the session.
// The -l flag makes tmux treat the string as literal text, not key names.
func (s *Session) SendKeys(keys string) error {
	s.invalidateCache()
	cmd := tmuxCommand("send-keys", "-l", "-t", s.Name, "--", keys)
	return cmd.Run()
}

// SendEnter sends an Enter key to the session.
func (s *Session) SendEnter() error {
	s.invalidateCache()
	cmd := tmuxCommand("send-keys", "-t", s.Name, "Enter")
	return cmd.Run()
}

// SendKeysAndEnter sends literal text followed by Enter as two separate tmux
// calls with a short delay between them. The delay is necessary because tmux
// 3.2+ wraps send-keys -l in bracketed paste sequences; without it the Enter
// arrives in the same PTY buffer as the paste-end marker and gets swallowed
// by async TUI frameworks.
func (s *Session) SendKeysAndEnter(keys string) error {
	if err := s.SendKeys(keys); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return s.SendEnter()
}

// CapturePane returns the visible pane content as plain text.
// Content is cached briefly and concurrent calls are deduplicated.
func (s *Session) CapturePane() (string, error) {
	s.cacheMu.RLock()
	if s.cacheContent != "" && time.Since(s.cacheTime) < captureCacheTTL {
		content := s.cacheContent
		s.cacheMu.RUnlock()
		return content, nil
	}
	s.cacheMu.RUnlock()

	v, err, _ := s.captureSf.Do("capture", func() (interface{}, error) {
		s.cacheMu.RLock()
		if s.cacheContent != "" && time.Since(s.cacheTime) < captureCacheTTL {
			content := s.cacheContent
			s.cacheMu.RUnlock()
			return content, nil
		}
		s.cacheMu.RUnlock()

		// -J joins wrapped lines, 3s hard timeout so a wedged tmux server
		// cannot stall the poll loop past its budget.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", s.Name, "-p", "-J")
		output, err := cmd.Output()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", ErrCaptureTimeout
			}
			return "", fmt.Errorf("failed to capture pane: %w", err)
		}

		content := string(output)
		s.cacheMu.Lock()
		s.cacheContent = content
		s.cacheTime = time.Now()
		s.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CaptureFullHistory captures the entire scrollback as plain text.
// -S - starts from the beginning of history; -J joins wrapped lines.
func (s *Session) CaptureFullHistory() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", s.Name, "-p", "-J", "-S", "-")
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrCaptureTimeout
		}
		return "", fmt.Errorf("failed to capture history: %w", err)
	}
	return string(output), nil
}

func (s *Session) invalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheContent = ""
	s.cacheTime = time.Time{}
}
