package runtime

import (
	"testing"
	"time"
)

func TestWorkingHoursContains(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 3, 2, h, 30, 0, 0, time.UTC) }
	tests := []struct {
		name       string
		start, end int
		hour       int
		want       bool
	}{
		{"inside day window", 9, 17, 12, true},
		{"end exclusive", 9, 17, 17, false},
		{"before start", 9, 17, 8, false},
		{"wraps midnight late", 22, 6, 23, true},
		{"wraps midnight early", 22, 6, 3, true},
		{"wraps midnight gap", 22, 6, 12, false},
		{"equal means always", 5, 5, 0, true},
		{"end 24", 8, 24, 23, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWorkingHours(tt.start, tt.end, "UTC")
			if err != nil {
				t.Fatalf("NewWorkingHours: %v", err)
			}
			if got := w.Contains(at(tt.hour)); got != tt.want {
				t.Fatalf("Contains(%02d:30) = %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
	var none *WorkingHours
	if !none.Contains(at(3)) || none.String() != "always" {
		t.Fatalf("nil window should be always open")
	}
}

func TestWorkingHoursZone(t *testing.T) {
	w, err := NewWorkingHours(9, 17, "America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 14:00 UTC is 09:00 or 10:00 in New York depending on DST.
	if !w.Contains(time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected inside window")
	}
	if _, err := NewWorkingHours(25, 3, ""); err == nil {
		t.Fatalf("expected range error")
	}
}
