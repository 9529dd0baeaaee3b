// Package runlog appends plain status lines to the flat run log. This is the
// user-facing audit trail of the wake chain: one bracketed-timestamp line per
// event, append-only, never rotated or truncated.
package runlog

import (
	"fmt"
	"os"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Log is an append-only flat-text log. The zero value discards lines, so a
// failed open degrades to silence instead of killing the run.
type Log struct {
	f   *os.File
	now func() time.Time
}

// Open opens (creating if needed) the log file in append mode.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return &Log{f: f, now: time.Now}, nil
}

// Discard returns a log that drops everything.
func Discard() *Log {
	return &Log{}
}

// Line appends one timestamped line.
func (l *Log) Line(format string, args ...any) {
	if l == nil || l.f == nil {
		return
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	fmt.Fprintf(l.f, "[%s] %s\n", now().Format(timeLayout), fmt.Sprintf(format, args...))
}

// Close closes the underlying file.
func (l *Log) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}
