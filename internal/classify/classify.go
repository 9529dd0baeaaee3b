// Package classify decides whether a captured screen shows an active usage
// window, and provokes one when it does not.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// Status is the classification of one screen capture.
type Status struct {
	// Active reports whether an activity marker was found.
	Active bool

	// Summary is the line the marker was found on, for the run log.
	// Empty when inactive.
	Summary string
}

// Classifier matches activity markers against captured text.
type Classifier struct {
	active *regexp.Regexp
}

// New compiles the activity marker pattern case-insensitively.
func New(activePattern string) (*Classifier, error) {
	re, err := regexp.Compile(`(?i)` + activePattern)
	if err != nil {
		return nil, fmt.Errorf("activity marker %q: %w", activePattern, err)
	}
	return &Classifier{active: re}, nil
}

// Classify searches the full capture, not just the last screen. A stale
// marker left in scrollback from an earlier command in the same session
// history would over-match; captures here come from single-use sessions, so
// the only history is this run's own.
func (c *Classifier) Classify(capture string) Status {
	loc := c.active.FindStringIndex(capture)
	if loc == nil {
		return Status{}
	}
	return Status{
		Active:  true,
		Summary: lineAround(capture, loc[0]),
	}
}

// lineAround returns the full line containing byte offset pos.
func lineAround(text string, pos int) string {
	start := strings.LastIndexByte(text[:pos], '\n') + 1
	end := strings.IndexByte(text[pos:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += pos
	}
	return strings.TrimSpace(text[start:end])
}
