package tmux

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

// fakeOracle returns scripted screens, one per CapturePane call, repeating
// the last entry once the script runs out.
type fakeOracle struct {
	screens []string
	errs    []error
	calls   int
}

func (f *fakeOracle) CapturePane() (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if len(f.screens) == 0 {
		return "", nil
	}
	if i >= len(f.screens) {
		i = len(f.screens) - 1
	}
	return f.screens[i], nil
}

func TestWaitForImmediateMatch(t *testing.T) {
	oracle := &fakeOracle{screens: []string{"loading... ❯ "}}
	re := regexp.MustCompile(`❯`)

	start := time.Now()
	if !WaitFor(context.Background(), oracle, re, 5*time.Second) {
		t.Fatal("expected match")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("immediate match took %v, should not sleep first", elapsed)
	}
	if oracle.calls != 1 {
		t.Errorf("expected 1 capture, got %d", oracle.calls)
	}
}

func TestWaitForMatchAfterPolls(t *testing.T) {
	oracle := &fakeOracle{screens: []string{"booting", "still booting", "ready ❯"}}
	re := regexp.MustCompile(`(?i)❯`)

	if !WaitFor(context.Background(), oracle, re, 5*time.Second) {
		t.Fatal("expected match on third poll")
	}
	if oracle.calls != 3 {
		t.Errorf("expected 3 captures, got %d", oracle.calls)
	}
}

func TestWaitForTimeout(t *testing.T) {
	oracle := &fakeOracle{screens: []string{"never matches"}}
	re := regexp.MustCompile(`❯`)

	start := time.Now()
	if WaitFor(context.Background(), oracle, re, time.Second) {
		t.Fatal("expected timeout")
	}
	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		t.Errorf("wait overran its timeout bound: %v", elapsed)
	}
}

func TestWaitForAttemptCap(t *testing.T) {
	oracle := &fakeOracle{screens: []string{"nope"}}
	re := regexp.MustCompile(`❯`)

	WaitFor(context.Background(), oracle, re, time.Second)
	// 1s at 500ms cadence = at most 2 attempts.
	if oracle.calls > 2 {
		t.Errorf("expected at most 2 attempts, got %d", oracle.calls)
	}
}

// slowOracle simulates a wedged session whose captures take most of the
// capture timeout before returning.
type slowOracle struct {
	delay time.Duration
	calls int
}

func (s *slowOracle) CapturePane() (string, error) {
	s.calls++
	time.Sleep(s.delay)
	return "never matches", nil
}

func TestWaitForSlowCapturesStayBounded(t *testing.T) {
	oracle := &slowOracle{delay: 900 * time.Millisecond}
	re := regexp.MustCompile(`❯`)

	start := time.Now()
	if WaitFor(context.Background(), oracle, re, time.Second) {
		t.Fatal("expected timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("slow captures stretched the wait to %v, past its bound", elapsed)
	}
	// The second attempt would start past the deadline and must be skipped.
	if oracle.calls != 1 {
		t.Errorf("expected 1 capture, got %d", oracle.calls)
	}
}

func TestWaitForCaptureErrorsTolerated(t *testing.T) {
	oracle := &fakeOracle{
		screens: []string{"", "", "❯"},
		errs:    []error{errors.New("capture failed"), nil, nil},
	}
	re := regexp.MustCompile(`❯`)

	if !WaitFor(context.Background(), oracle, re, 5*time.Second) {
		t.Fatal("expected match despite transient capture error")
	}
}

func TestWaitForContextCancel(t *testing.T) {
	oracle := &fakeOracle{screens: []string{"never"}}
	re := regexp.MustCompile(`❯`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if WaitFor(ctx, oracle, re, 10*time.Second) {
		t.Fatal("expected false on cancelled context")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled wait took %v", elapsed)
	}
}
