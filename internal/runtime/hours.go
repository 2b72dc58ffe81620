package runtime

import (
	"fmt"
	"time"
)

// WorkingHours is the daily window [Start, End) in Location. A window with
// Start > End wraps midnight; Start == End means always on.
type WorkingHours struct {
	Start    int
	End      int
	Location *time.Location
}

func NewWorkingHours(start, end int, zone string) (*WorkingHours, error) {
	if start < 0 || start > 23 {
		return nil, fmt.Errorf("working hours start %d out of range 0-23", start)
	}
	if end < 0 || end > 24 {
		return nil, fmt.Errorf("working hours end %d out of range 0-24", end)
	}
	loc := time.UTC
	if zone != "" {
		var err error
		if loc, err = time.LoadLocation(zone); err != nil {
			return nil, fmt.Errorf("working hours timezone: %w", err)
		}
	}
	return &WorkingHours{Start: start, End: end % 24, Location: loc}, nil
}

// Contains reports whether t falls inside the window. A nil window is always
// open.
func (w *WorkingHours) Contains(t time.Time) bool {
	if w == nil || w.Start == w.End {
		return true
	}
	if w.Location != nil {
		t = t.In(w.Location)
	}
	h := t.Hour()
	if w.Start < w.End {
		return h >= w.Start && h < w.End
	}
	return h >= w.Start || h < w.End
}

func (w *WorkingHours) String() string {
	if w == nil || w.Start == w.End {
		return "always"
	}
	zone := "UTC"
	if w.Location != nil {
		zone = w.Location.String()
	}
	return fmt.Sprintf("%02d:00-%02d:00 %s", w.Start, w.End, zone)
}
