package clock

import (
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	clk := NewManual(start)
	if !clk.Now().Equal(start) || clk.Now().Location() != time.UTC {
		t.Fatalf("unexpected start %v", clk.Now())
	}
	if got := clk.Advance(90 * time.Minute); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("unexpected advanced time %v", got)
	}
	clk.Set(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("set did not move clock back: %v", clk.Now())
	}
}
