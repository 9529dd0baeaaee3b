package schedule

import (
	"errors"
	"testing"
	"time"
)

func mkTime(hour, min int) time.Time {
	return time.Date(2025, 6, 15, hour, min, 0, 0, time.Local)
}

func skipSet(hours ...int) map[int]bool {
	m := make(map[int]bool)
	for _, h := range hours {
		m[h] = true
	}
	return m
}

func TestNextWakeNoSkipHours(t *testing.T) {
	now := mkTime(14, 0)
	got, err := NextWake(now, 60, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mkTime(15, 0)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextWakeSkipsBlackoutHours(t *testing.T) {
	// interval=60, skip={3,4,5}, now=02:30: candidates 03:30, 04:30, 05:30
	// all land in blackout hours; 06:30 is the first allowed slot.
	now := mkTime(2, 30)
	got, err := NextWake(now, 60, skipSet(3, 4, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mkTime(6, 30)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextWakeSmallestOffsetWins(t *testing.T) {
	// The result must be the smallest multiple of the interval that lands
	// outside the skip set, never a later one.
	now := mkTime(10, 15)
	got, err := NextWake(now, 30, skipSet(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10:45 is inside hour 10 (skipped); 11:15 is the first allowed.
	want := mkTime(11, 15)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextWakeHourGranular(t *testing.T) {
	// A candidate one minute inside a skipped hour is still rejected.
	now := mkTime(2, 59)
	got, err := NextWake(now, 60, skipSet(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mkTime(4, 59)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextWakeExhaustedWhenAllHoursSkipped(t *testing.T) {
	all := make(map[int]bool)
	for h := 0; h < 24; h++ {
		all[h] = true
	}
	_, err := NextWake(mkTime(9, 0), 60, all)
	if !errors.Is(err, ErrSearchExhausted) {
		t.Errorf("got %v, want ErrSearchExhausted", err)
	}
}

func TestNextWakeLargeIntervalExhausted(t *testing.T) {
	// A 12h interval whose two daily candidates both land in skipped hours
	// has no valid slot within the 24h search window.
	now := mkTime(2, 0) // candidates: 14:00 and 02:00(+1d)
	_, err := NextWake(now, 720, skipSet(2, 14))
	if !errors.Is(err, ErrSearchExhausted) {
		t.Errorf("got %v, want ErrSearchExhausted", err)
	}
}

func TestNextWakeResultNeverInSkipSet(t *testing.T) {
	skips := []map[int]bool{
		skipSet(0), skipSet(3, 4, 5), skipSet(23), skipSet(1, 7, 13, 19),
	}
	intervals := []int{15, 30, 60, 90, 240}
	for _, skip := range skips {
		for _, interval := range intervals {
			for hour := 0; hour < 24; hour++ {
				got, err := NextWake(mkTime(hour, 30), interval, skip)
				if errors.Is(err, ErrSearchExhausted) {
					continue
				}
				if err != nil {
					t.Fatalf("interval=%d hour=%d: %v", interval, hour, err)
				}
				if skip[got.Hour()] {
					t.Errorf("interval=%d now-hour=%d: result %v lands in skipped hour", interval, hour, got)
				}
			}
		}
	}
}

func TestNextWakeInvalidInterval(t *testing.T) {
	if _, err := NextWake(mkTime(1, 0), 0, nil); err == nil {
		t.Error("expected error for zero interval")
	}
	if _, err := NextWake(mkTime(1, 0), -5, nil); err == nil {
		t.Error("expected error for negative interval")
	}
}

func TestPmsetTimeFormat(t *testing.T) {
	ts := time.Date(2025, 1, 2, 15, 4, 5, 0, time.Local)
	got := ts.Format(pmsetTimeFormat)
	want := "01/02/2025 15:04:05"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
