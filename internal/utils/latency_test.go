package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(8)
	for i := 1; i <= 8; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := tracker.Percentile(0); got != 1*time.Millisecond {
		t.Fatalf("p0 = %v, want 1ms", got)
	}
	if got := tracker.Percentile(100); got != 8*time.Millisecond {
		t.Fatalf("p100 = %v, want 8ms", got)
	}
	if got := tracker.Percentile(50); got != 4*time.Millisecond {
		t.Fatalf("p50 = %v, want 4ms", got)
	}
}

func TestLatencyTrackerEvictsOldest(t *testing.T) {
	tracker := NewLatencyTracker(4)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Second)
	}

	if tracker.Count() != 4 {
		t.Fatalf("count = %d, want 4", tracker.Count())
	}
	if got := tracker.Percentile(0); got != 7*time.Second {
		t.Fatalf("oldest retained = %v, want 7s", got)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(16)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("empty tracker percentile = %v, want 0", got)
	}
}

func TestWithinWindow(t *testing.T) {
	now := time.Now()
	if !WithinWindow(now.Add(-time.Minute), now, 5*time.Minute) {
		t.Fatalf("expected recent time inside window")
	}
	if WithinWindow(now.Add(-10*time.Minute), now, 5*time.Minute) {
		t.Fatalf("expected old time outside window")
	}
	if WithinWindow(time.Time{}, now, 5*time.Minute) {
		t.Fatalf("zero time must never be inside a window")
	}
}
