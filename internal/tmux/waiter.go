package tmux

import (
	"context"
	"log/slog"
	"regexp"
	"time"
)

// ScreenOracle is the read-only view of a terminal session. *Session
// satisfies it; tests substitute scripted fakes so no real tmux is needed.
type ScreenOracle interface {
	CapturePane() (string, error)
}

const pollInterval = 500 * time.Millisecond

// WaitFor samples the oracle's visible text every 500ms until the pattern
// matches or the timeout elapses. The attempt count is capped at
// timeout/500ms, so the wall-clock spent here is bounded even when captures
// themselves are slow or failing.
func WaitFor(ctx context.Context, oracle ScreenOracle, pattern *regexp.Regexp, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	attempts := int(timeout / pollInterval)
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		// A capture can take up to its own context timeout; never start
		// one past the deadline or a slow session would stretch the wait
		// beyond its bound.
		if time.Now().After(deadline) {
			return false
		}
		content, err := oracle.CapturePane()
		if err != nil {
			tmuxLog.Debug("wait_capture_failed",
				slog.String("pattern", pattern.String()),
				slog.String("error", err.Error()))
		} else if pattern.MatchString(content) {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
	return false
}
